package output

import (
	"encoding/json"
	"io"
)

// ToJSON encodes a report, a rule listing or any other value the CLI prints
// with --json.
func ToJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func WriteJSON(w io.Writer, v any) error {
	s, err := ToJSON(v)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, s+"\n")
	return err
}

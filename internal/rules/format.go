package rules

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/proxy-audit/proxy-audit/pkg/model"
)

// Format names a proxy client rule syntax.
type Format string

const (
	FormatClash       Format = "clash"
	FormatSurge       Format = "surge"
	FormatSingBox     Format = "sing-box"
	FormatQuantumultX Format = "quantumultx"
)

const generatedHeader = "# proxy-audit generated rules"

const processNameRule = "PROCESS-NAME"

// Formats lists the formats that can express process-name rules.
func Formats() []Format {
	return []Format{FormatClash, FormatSurge, FormatSingBox}
}

// ParseFormat accepts a format name or a common alias. Quantumult X is
// recognised here and rejected when rendering.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "clash", "mihomo", "clash-meta":
		return FormatClash, nil
	case "surge":
		return FormatSurge, nil
	case "sing-box", "singbox", "sing_box":
		return FormatSingBox, nil
	case "quantumultx", "quantumult-x", "quanx", "qx":
		return FormatQuantumultX, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

type codec interface {
	ext() string
	render(names []string) ([]byte, error)
	parse(data []byte) ([]string, error)
}

func codecFor(f Format) (codec, error) {
	switch f {
	case FormatClash:
		return clashCodec{}, nil
	case FormatSurge:
		return surgeCodec{}, nil
	case FormatSingBox:
		return singBoxCodec{}, nil
	case FormatQuantumultX:
		return nil, fmt.Errorf("%w: quantumultx has no process-name rule type", ErrUnsupportedFormat)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, string(f))
}

// Ext returns the file extension used for exported files of f.
func Ext(f Format) (string, error) {
	c, err := codecFor(f)
	if err != nil {
		return "", err
	}
	return c.ext(), nil
}

// FileName returns the exported rule file name for p in format f.
func FileName(f Format, p model.Policy) (string, error) {
	ext, err := Ext(f)
	if err != nil {
		return "", err
	}
	return "rules-" + p.Slug() + "." + ext, nil
}

// RenderSet serializes names as process-name rules in format f.
func RenderSet(f Format, names []string) ([]byte, error) {
	c, err := codecFor(f)
	if err != nil {
		return nil, err
	}
	return c.render(names)
}

// ParseRules extracts the process names of every process-name rule in data.
// Other rule types are ignored.
func ParseRules(f Format, data []byte) ([]string, error) {
	c, err := codecFor(f)
	if err != nil {
		return nil, err
	}
	names, err := c.parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s rules: %w", f, err)
	}
	return names, nil
}

// Render serializes all three sets of st. It never touches the store.
func (st State) Render(f Format) (map[model.Policy][]byte, error) {
	c, err := codecFor(f)
	if err != nil {
		return nil, err
	}
	out := make(map[model.Policy][]byte, 3)
	for _, p := range model.Policies() {
		b, err := c.render(st.Members(p))
		if err != nil {
			return nil, fmt.Errorf("render %s %s: %w", f, p, err)
		}
		out[p] = b
	}
	return out, nil
}

// clash classical rule-provider payload
type clashCodec struct{}

type clashPayload struct {
	Payload []string `yaml:"payload"`
}

func (clashCodec) ext() string { return "yaml" }

func (clashCodec) render(names []string) ([]byte, error) {
	doc := clashPayload{Payload: make([]string, 0, len(names))}
	for _, n := range names {
		doc.Payload = append(doc.Payload, processNameRule+","+n)
	}
	var buf bytes.Buffer
	buf.WriteString(generatedHeader + "\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (clashCodec) parse(data []byte) ([]string, error) {
	var doc clashPayload
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	var names []string
	for _, line := range doc.Payload {
		if n, ok := parseRuleLine(line); ok {
			names = append(names, n)
		}
	}
	return names, nil
}

// surge rule list, one rule per line
type surgeCodec struct{}

func (surgeCodec) ext() string { return "list" }

func (surgeCodec) render(names []string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(generatedHeader + "\n")
	for _, n := range names {
		buf.WriteString(processNameRule + "," + n + "\n")
	}
	return buf.Bytes(), nil
}

func (surgeCodec) parse(data []byte) ([]string, error) {
	var names []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		if n, ok := parseRuleLine(line); ok {
			names = append(names, n)
		}
	}
	return names, sc.Err()
}

// parseRuleLine reads "PROCESS-NAME,value[,policy]".
func parseRuleLine(line string) (string, bool) {
	parts := strings.Split(line, ",")
	if len(parts) < 2 || !strings.EqualFold(strings.TrimSpace(parts[0]), processNameRule) {
		return "", false
	}
	name := strings.TrimSpace(parts[1])
	return name, name != ""
}

// sing-box source rule-set
type singBoxCodec struct{}

type singBoxRuleSet struct {
	Version int           `json:"version"`
	Rules   []singBoxRule `json:"rules"`
}

type singBoxRule struct {
	ProcessName listable `json:"process_name,omitempty"`
}

// listable decodes either a single string or a list of strings, matching
// sing-box's own option type.
type listable []string

func (l *listable) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*l = listable{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

func (singBoxCodec) ext() string { return "json" }

func (singBoxCodec) render(names []string) ([]byte, error) {
	set := singBoxRuleSet{Version: 1, Rules: []singBoxRule{}}
	if len(names) > 0 {
		set.Rules = append(set.Rules, singBoxRule{ProcessName: listable(names)})
	}
	b, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func (singBoxCodec) parse(data []byte) ([]string, error) {
	var set singBoxRuleSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, err
	}
	var names []string
	for _, r := range set.Rules {
		for _, n := range r.ProcessName {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
	}
	return names, nil
}

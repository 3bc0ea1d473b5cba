package model

import (
	"fmt"
	"strings"
)

// Policy is one of the three mutually exclusive rule sets.
type Policy string

const (
	PolicyDirect Policy = "DIRECT"
	PolicyProxy  Policy = "PROXY"
	PolicyReject Policy = "REJECT"
)

func Policies() []Policy {
	return []Policy{PolicyDirect, PolicyProxy, PolicyReject}
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DIRECT":
		return PolicyDirect, nil
	case "PROXY":
		return PolicyProxy, nil
	case "REJECT":
		return PolicyReject, nil
	}
	return "", fmt.Errorf("unknown policy %q (want direct, proxy or reject)", s)
}

// Slug is the lowercase form used in file names.
func (p Policy) Slug() string {
	return strings.ToLower(string(p))
}

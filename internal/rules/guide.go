package rules

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/proxy-audit/proxy-audit/pkg/model"
)

// Guide returns configuration snippets that load the exported files of
// format f from dir into the proxy client.
func Guide(f Format, dir string) (string, error) {
	if _, err := codecFor(f); err != nil {
		return "", err
	}
	path := func(p model.Policy) string {
		name, _ := FileName(f, p)
		return filepath.Join(dir, name)
	}

	var b strings.Builder
	switch f {
	case FormatClash:
		b.WriteString("Add to your Clash / mihomo config:\n\n")
		b.WriteString("rule-providers:\n")
		for _, p := range model.Policies() {
			fmt.Fprintf(&b, "  proxy-audit-%s:\n", p.Slug())
			b.WriteString("    type: file\n")
			b.WriteString("    behavior: classical\n")
			fmt.Fprintf(&b, "    path: %s\n", path(p))
		}
		b.WriteString("\nrules:\n")
		for _, p := range model.Policies() {
			fmt.Fprintf(&b, "  - RULE-SET,proxy-audit-%s,%s\n", p.Slug(), p)
		}
		b.WriteString("\nReplace PROXY with the name of your proxy group.\n")
	case FormatSurge:
		b.WriteString("Add to the [Rule] section of your Surge profile:\n\n")
		for _, p := range model.Policies() {
			fmt.Fprintf(&b, "RULE-SET,%s,%s\n", path(p), p)
		}
		b.WriteString("\nReplace PROXY with the name of your proxy group.\n")
	case FormatSingBox:
		outbound := map[model.Policy]string{
			model.PolicyDirect: "direct",
			model.PolicyProxy:  "proxy",
			model.PolicyReject: "block",
		}
		b.WriteString("Add to the route section of your sing-box config:\n\n")
		b.WriteString("\"rule_set\": [\n")
		for i, p := range model.Policies() {
			fmt.Fprintf(&b, "  { \"type\": \"local\", \"tag\": \"pa-%s\", \"path\": %q, \"format\": \"source\" }%s\n",
				p.Slug(), path(p), comma(i))
		}
		b.WriteString("],\n\"rules\": [\n")
		for i, p := range model.Policies() {
			fmt.Fprintf(&b, "  { \"rule_set\": \"pa-%s\", \"outbound\": %q }%s\n", p.Slug(), outbound[p], comma(i))
		}
		b.WriteString("]\n\nReplace the outbound tags with the ones defined in your config.\n")
	}
	return b.String(), nil
}

func comma(i int) string {
	if i < len(model.Policies())-1 {
		return ","
	}
	return ""
}

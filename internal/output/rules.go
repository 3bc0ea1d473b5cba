package output

import (
	"fmt"
	"io"

	"github.com/proxy-audit/proxy-audit/pkg/model"
)

// RuleListing is the --json shape of `rule list`.
type RuleListing struct {
	Dir    string                    `json:"dir"`
	Groups map[model.Policy][]string `json:"groups"`
}

// PrintRules prints each policy set with its members.
func PrintRules(w io.Writer, l RuleListing, colorEnabled bool) {
	c := colors(colorEnabled)
	fmt.Fprintf(w, "%sRules in %s%s\n", c.dim, l.Dir, c.reset)
	for _, p := range model.Policies() {
		members := l.Groups[p]
		fmt.Fprintf(w, "%s%s%s (%d)\n", c.green, p, c.reset, len(members))
		for i, n := range members {
			connector := "├─ "
			if i == len(members)-1 {
				connector = "└─ "
			}
			fmt.Fprintf(w, "  %s%s%s%s\n", c.magenta, connector, c.reset, n)
		}
	}
}

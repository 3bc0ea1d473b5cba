package app

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gobwas/glob"
	"github.com/spf13/cobra"

	"github.com/proxy-audit/proxy-audit/internal/logger"
	"github.com/proxy-audit/proxy-audit/internal/output"
	"github.com/proxy-audit/proxy-audit/internal/rules"
	"github.com/proxy-audit/proxy-audit/internal/target"
	"github.com/proxy-audit/proxy-audit/pkg/model"
)

func (c *cli) newRuleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Manage the DIRECT / PROXY / REJECT process rule sets",
	}
	cmd.AddCommand(c.newRuleAddCmd())
	cmd.AddCommand(c.newRulePrintCmd())
	cmd.AddCommand(c.newRuleListCmd())
	cmd.AddCommand(c.newRuleRenderCmd())
	cmd.AddCommand(c.newRuleExportCmd())
	cmd.AddCommand(c.newRuleInitCmd())
	cmd.AddCommand(c.newRuleImportCmd())
	return cmd
}

func policyFlag(cmd *cobra.Command, p *string) {
	cmd.Flags().StringVar(p, "policy", "", "target policy: direct, proxy or reject")
	_ = cmd.MarkFlagRequired("policy")
}

func formatFlag(cmd *cobra.Command, f *string) {
	cmd.Flags().StringVar(f, "format", "", "rule format: clash, surge or sing-box")
	_ = cmd.MarkFlagRequired("format")
}

// parseFormat also rejects formats that are recognised but cannot be
// rendered, before any work is done.
func parseFormat(s string) (rules.Format, error) {
	f, err := rules.ParseFormat(s)
	if err != nil {
		return "", err
	}
	if _, err := rules.Ext(f); err != nil {
		return "", err
	}
	return f, nil
}

func (c *cli) resolveTarget(ctx context.Context, arg string) (string, error) {
	t, err := target.Resolve(ctx, c.deps.Source, arg)
	if err != nil {
		return "", err
	}
	if !t.Running {
		log := logger.WithComponent("rules")
		log.Info().Str("name", t.Name).Msg("no running process matches; using the name as given")
	}
	return t.Name, nil
}

// reexport rewrites the exported files of every configured format.
func (c *cli) reexport(ctx context.Context, cmd *cobra.Command, store *rules.Store, verbose bool) error {
	for _, name := range c.cfg.Rules.ExportFormats {
		f, err := parseFormat(name)
		if err != nil {
			return err
		}
		paths, err := store.Export(ctx, f, "")
		if err != nil {
			return fmt.Errorf("export %s: %w", f, err)
		}
		if verbose {
			for _, p := range paths {
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", p)
			}
		}
	}
	return nil
}

func describeChange(ch rules.Change) string {
	switch {
	case !ch.Changed():
		return fmt.Sprintf("%s is already in %s", ch.Name, ch.To)
	case ch.From == "":
		return fmt.Sprintf("added %s to %s", ch.Name, ch.To)
	}
	return fmt.Sprintf("moved %s from %s to %s", ch.Name, ch.From, ch.To)
}

func (c *cli) newRuleAddCmd() *cobra.Command {
	var policy string
	cmd := &cobra.Command{
		Use:   "add <pid|name>",
		Short: "Assign a process to a policy set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := model.ParsePolicy(policy)
			if err != nil {
				return err
			}
			name, err := c.resolveTarget(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			store, err := c.openStore()
			if err != nil {
				return err
			}
			ch, err := store.Assign(cmd.Context(), name, p)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), describeChange(ch))
			if !ch.Changed() {
				return nil
			}
			return c.reexport(cmd.Context(), cmd, store, true)
		},
	}
	policyFlag(cmd, &policy)
	return cmd
}

func (c *cli) newRulePrintCmd() *cobra.Command {
	var policy, format string
	cmd := &cobra.Command{
		Use:   "print <pid|name>",
		Short: "Show the rule file a policy would have after an assignment, without writing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := model.ParsePolicy(policy)
			if err != nil {
				return err
			}
			f, err := parseFormat(format)
			if err != nil {
				return err
			}
			name, err := c.resolveTarget(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			store, err := c.openStore()
			if err != nil {
				return err
			}
			next, _, err := store.Preview(cmd.Context(), name, p)
			if err != nil {
				return err
			}
			data, err := rules.RenderSet(f, next.Members(p))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	policyFlag(cmd, &policy)
	formatFlag(cmd, &format)
	return cmd
}

func (c *cli) newRuleListCmd() *cobra.Command {
	var (
		asJSON bool
		filter string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the members of each policy set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var match glob.Glob
			if filter != "" {
				g, err := glob.Compile(strings.ToLower(filter))
				if err != nil {
					return fmt.Errorf("invalid filter %q: %w", filter, err)
				}
				match = g
			}
			store, err := c.openStore()
			if err != nil {
				return err
			}
			st, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}

			listing := output.RuleListing{Dir: store.Dir(), Groups: map[model.Policy][]string{}}
			for _, p := range model.Policies() {
				members := []string{}
				for _, n := range st.Members(p) {
					if match == nil || match.Match(strings.ToLower(n)) {
						members = append(members, n)
					}
				}
				listing.Groups[p] = members
			}

			if asJSON {
				return output.WriteJSON(cmd.OutOrStdout(), listing)
			}
			output.PrintRules(cmd.OutOrStdout(), listing, c.colorEnabled(cmd))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the sets as JSON")
	cmd.Flags().StringVar(&filter, "filter", "", "only list names matching this glob")
	return cmd
}

func (c *cli) newRuleRenderCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the three rule files in a proxy client's format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := parseFormat(format)
			if err != nil {
				return err
			}
			store, err := c.openStore()
			if err != nil {
				return err
			}
			st, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			rendered, err := st.Render(f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i, p := range model.Policies() {
				if i > 0 {
					fmt.Fprintln(out)
				}
				name, _ := rules.FileName(f, p)
				fmt.Fprintf(out, "==> %s <==\n", name)
				out.Write(rendered[p]) //nolint:errcheck
			}
			return nil
		},
	}
	formatFlag(cmd, &format)
	return cmd
}

func (c *cli) newRuleExportCmd() *cobra.Command {
	var format, dir string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write rules-<policy>.<ext> files for a proxy client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := parseFormat(format)
			if err != nil {
				return err
			}
			store, err := c.openStore()
			if err != nil {
				return err
			}
			paths, err := store.Export(cmd.Context(), f, dir)
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", p)
			}
			return nil
		},
	}
	formatFlag(cmd, &format)
	cmd.Flags().StringVar(&dir, "dir", "", "output directory (default the rules directory)")
	return cmd
}

func (c *cli) newRuleInitCmd() *cobra.Command {
	var format, dir string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create missing rule files and print how to load them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := parseFormat(format)
			if err != nil {
				return err
			}
			store, err := c.openStore()
			if err != nil {
				return err
			}
			created, err := store.Init(cmd.Context(), f, dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range created {
				fmt.Fprintf(out, "created %s\n", p)
			}
			if dir == "" {
				dir = store.Dir()
			}
			guide, err := rules.Guide(f, dir)
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			fmt.Fprint(out, guide)
			return nil
		},
	}
	formatFlag(cmd, &format)
	cmd.Flags().StringVar(&dir, "dir", "", "output directory (default the rules directory)")
	return cmd
}

func (c *cli) newRuleImportCmd() *cobra.Command {
	var policy, format string
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Assign every process-name rule of an existing rule file to a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := model.ParsePolicy(policy)
			if err != nil {
				return err
			}
			f, err := parseFormat(format)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			store, err := c.openStore()
			if err != nil {
				return err
			}
			changes, err := store.Import(cmd.Context(), f, p, data)
			if err != nil {
				return err
			}
			moved := 0
			for _, ch := range changes {
				if ch.Changed() {
					moved++
					fmt.Fprintln(cmd.OutOrStdout(), describeChange(ch))
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d names, %d changed\n", len(changes), moved)
			if moved == 0 {
				return nil
			}
			return c.reexport(cmd.Context(), cmd, store, true)
		},
	}
	policyFlag(cmd, &policy)
	formatFlag(cmd, &format)
	return cmd
}

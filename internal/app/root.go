// Package app wires the proxy-audit command tree.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/proxy-audit/proxy-audit/internal/config"
	"github.com/proxy-audit/proxy-audit/internal/geoip"
	"github.com/proxy-audit/proxy-audit/internal/logger"
	"github.com/proxy-audit/proxy-audit/internal/pipeline"
	"github.com/proxy-audit/proxy-audit/internal/probe"
	"github.com/proxy-audit/proxy-audit/internal/proc"
	"github.com/proxy-audit/proxy-audit/internal/rules"
	"github.com/proxy-audit/proxy-audit/internal/sysproxy"
)

// Deps are the OS collaborators behind the commands. Zero fields are
// replaced by the real implementations.
type Deps struct {
	Source     proc.Source
	Querier    sysproxy.Querier
	Lookup     sysproxy.LookupFunc
	LoadConfig func(path string) (config.Config, error)
}

type cli struct {
	deps Deps
	cfg  config.Config

	configPath string
	logLevel   string
	rulesDir   string
	noColor    bool
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRoot(Deps{})
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(ExitCode(err))
	}
}

func NewRoot(deps Deps) *cobra.Command {
	c := &cli{deps: deps}
	cmd := &cobra.Command{
		Use:           "proxy-audit",
		Short:         "proxy-audit: which processes bypass, use or tunnel through your proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd)
		},
	}

	cmd.Version = versionString()
	cmd.SetVersionTemplate("proxy-audit {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/proxy-audit/config.ini)")
	cmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level: debug|info|warn|error")
	cmd.PersistentFlags().StringVar(&c.rulesDir, "rules-dir", "", "directory of the policy rule store")
	cmd.PersistentFlags().BoolVar(&c.noColor, "no-color", false, "disable colorized output")

	cmd.AddCommand(c.newScanCmd())
	cmd.AddCommand(c.newTUICmd())
	cmd.AddCommand(c.newRuleCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func (c *cli) setup(cmd *cobra.Command) error {
	load := c.deps.LoadConfig
	if load == nil {
		load = loadConfig
	}
	cfg, err := load(c.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if c.rulesDir != "" {
		cfg.Rules.Dir = c.rulesDir
	}
	c.cfg = cfg

	logger.InitWriter(cmd.ErrOrStderr(), cfg.Log.Level)

	if c.deps.Source == nil {
		c.deps.Source = proc.New(logger.WithComponent("proc"))
	}
	if c.deps.Querier == nil {
		c.deps.Querier = sysproxy.NewSystemQuerier()
	}
	return nil
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.LoadDefault()
	}
	return config.Load(path)
}

// colorEnabled reports whether human output to cmd's stdout gets ANSI
// colors.
func (c *cli) colorEnabled(cmd *cobra.Command) bool {
	if c.noColor || os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := cmd.OutOrStdout().(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

func (c *cli) openStore() (*rules.Store, error) {
	return rules.Open(c.cfg.Rules.Dir,
		rules.WithLockTimeout(c.cfg.Rules.LockTimeout),
		rules.WithLogger(logger.WithComponent("rules")))
}

// newScanner builds a scanner over the configured collaborators. A GeoIP
// database that cannot be opened only disables regions; the returned
// warning says why.
func (c *cli) newScanner(cmd *cobra.Command, geoPath string, withPolicies bool) (*pipeline.Scanner, func(), []string) {
	var warnings []string
	resolverOpts := []sysproxy.Option{sysproxy.WithLogger(logger.WithComponent("sysproxy"))}
	if c.deps.Lookup != nil {
		resolverOpts = append(resolverOpts, sysproxy.WithLookup(c.deps.Lookup))
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(logger.WithComponent("pipeline")),
		pipeline.WithProber(probe.New(c.cfg.Scan.ProbeURL, c.cfg.Scan.ProbeTimeout,
			probe.WithLogger(logger.WithComponent("probe")))),
	}

	closer := func() {}
	if geoPath != "" {
		db, err := geoip.Open(geoPath)
		if err != nil {
			log := logger.WithComponent("geoip")
			log.Debug().Err(err).Msg("region lookup disabled")
			warnings = append(warnings, fmt.Sprintf("region lookup disabled: %v", err))
		} else {
			opts = append(opts, pipeline.WithGeoIP(db))
			closer = func() { db.Close() }
		}
	}

	if withPolicies {
		if store, err := c.openStore(); err == nil {
			if st, err := store.Load(cmd.Context()); err == nil {
				opts = append(opts, pipeline.WithPolicies(st))
			} else {
				warnings = append(warnings, fmt.Sprintf("rule store unreadable: %v", err))
			}
		}
	}

	resolver := sysproxy.NewResolver(c.deps.Querier, resolverOpts...)
	return pipeline.NewScanner(c.deps.Source, resolver, opts...), closer, warnings
}

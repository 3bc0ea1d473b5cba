package app

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/proxy-audit/proxy-audit/internal/logger"
	"github.com/proxy-audit/proxy-audit/internal/output"
	"github.com/proxy-audit/proxy-audit/internal/pipeline"
)

type scanFlags struct {
	all     bool
	json    bool
	noProbe bool
	geoDB   string
	debug   bool
	workers int
	filter  string
}

func (c *cli) newScanCmd() *cobra.Command {
	var f scanFlags
	cmd := &cobra.Command{
		Use:   "scan [pid]",
		Short: "Classify how running processes reach the network",
		Long: `Scan every process with open inet sockets and classify it as SYSTEM_PROXY,
VPN_LIKELY, LOCAL_PROXY or DIRECT. With a pid only that process is reported,
along with its sockets.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runScan(cmd, args, f)
		},
	}
	cmd.Flags().BoolVar(&f.all, "all", false, "include DIRECT and socket-less processes")
	cmd.Flags().BoolVar(&f.json, "json", false, "print the report as JSON")
	cmd.Flags().BoolVar(&f.noProbe, "no-probe", false, "skip exit-IP probing through detected proxies")
	cmd.Flags().StringVar(&f.geoDB, "geo-db", "", "GeoLite2 country database (default from config)")
	cmd.Flags().BoolVar(&f.debug, "debug", false, "log decoded sockets and tier decisions")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "concurrent process inspections (default from config)")
	cmd.Flags().StringVar(&f.filter, "filter", "", "only report processes whose name matches this glob")
	return cmd
}

func (c *cli) scanOptions(cmd *cobra.Command, f scanFlags) pipeline.Options {
	opts := pipeline.Options{
		Workers: c.cfg.Scan.Workers,
		All:     !c.cfg.Scan.OnlyRouted,
		Filter:  f.filter,
		Probe:   c.cfg.Scan.Probe,
		Debug:   f.debug,
	}
	if cmd.Flags().Changed("all") {
		opts.All = f.all
	}
	if cmd.Flags().Changed("workers") && f.workers > 0 {
		opts.Workers = f.workers
	}
	if f.noProbe {
		opts.Probe = false
	}
	return opts
}

func (c *cli) runScan(cmd *cobra.Command, args []string, f scanFlags) error {
	if f.debug {
		logger.InitWriter(cmd.ErrOrStderr(), "debug")
	}

	opts := c.scanOptions(cmd, f)
	if len(args) == 1 {
		pid, err := strconv.Atoi(args[0])
		if err != nil || pid <= 0 {
			return fmt.Errorf("invalid pid %q", args[0])
		}
		opts.PID = pid
	}

	geoPath := c.cfg.Scan.GeoIPDB
	if cmd.Flags().Changed("geo-db") {
		geoPath = f.geoDB
	}
	scanner, closeGeo, warnings := c.newScanner(cmd, geoPath, true)
	defer closeGeo()

	report, err := scanner.Scan(cmd.Context(), opts)
	if err != nil {
		return err
	}
	report.Warnings = append(warnings, report.Warnings...)

	out := cmd.OutOrStdout()
	if f.json {
		return output.WriteJSON(out, report)
	}

	color := c.colorEnabled(cmd)
	output.RenderHeader(out, report.SystemProxy, color)
	fmt.Fprintln(out)
	output.RenderTable(out, report.Results, color)
	if opts.PID != 0 && len(report.Results) == 1 {
		r := report.Results[0]
		if rec, ok := report.Processes[r.PID]; ok {
			fmt.Fprintln(out)
			output.PrintSockets(out, r, rec, color)
		}
	}
	fmt.Fprintln(out)
	output.RenderSummary(out, report, color)
	return nil
}

// Package pipeline runs one scan: it enumerates processes, decodes their
// sockets on a bounded worker pool, classifies them in two passes and
// augments the verdicts with exit-IP probes, regions and rule policies.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/proxy-audit/proxy-audit/internal/classify"
	"github.com/proxy-audit/proxy-audit/internal/geoip"
	"github.com/proxy-audit/proxy-audit/internal/probe"
	"github.com/proxy-audit/proxy-audit/internal/proc"
	"github.com/proxy-audit/proxy-audit/internal/sockinfo"
	"github.com/proxy-audit/proxy-audit/pkg/model"
)

var ErrProcessNotFound = errors.New("process not found")

type ProxyResolver interface {
	Resolve(ctx context.Context) model.SystemProxyConfig
}

type CountryLookup interface {
	Country(addr netip.Addr) (geoip.Country, error)
}

type ExitProber interface {
	Probe(ctx context.Context, endpoint string, prefer probe.Method) probe.Result
}

// PolicyLookup is satisfied by rules.State.
type PolicyLookup interface {
	PolicyOf(name string) (model.Policy, bool)
}

type Scanner struct {
	src      proc.Source
	resolver ProxyResolver
	geo      CountryLookup
	prober   ExitProber
	policies PolicyLookup
	log      zerolog.Logger
	now      func() time.Time
}

type Option func(*Scanner)

func WithGeoIP(c CountryLookup) Option { return func(s *Scanner) { s.geo = c } }

func WithProber(p ExitProber) Option { return func(s *Scanner) { s.prober = p } }

func WithPolicies(p PolicyLookup) Option { return func(s *Scanner) { s.policies = p } }

func WithLogger(l zerolog.Logger) Option { return func(s *Scanner) { s.log = l } }

func NewScanner(src proc.Source, resolver ProxyResolver, opts ...Option) *Scanner {
	s := &Scanner{
		src:      src,
		resolver: resolver,
		log:      zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type Options struct {
	Workers int
	// All includes DIRECT and socket-less processes.
	All bool
	// PID restricts the results to one process. It is always reported,
	// whatever its mode.
	PID int
	// Filter is a case-insensitive glob over process names.
	Filter string
	Probe  bool
	// Debug logs every decoded socket and tier decision.
	Debug bool
}

// Scan performs one scan. Per-process failures are absorbed; only a failed
// process listing, an invalid filter or cancellation abort the scan.
func (s *Scanner) Scan(ctx context.Context, opts Options) (model.Report, error) {
	var match glob.Glob
	if opts.Filter != "" {
		g, err := glob.Compile(strings.ToLower(opts.Filter))
		if err != nil {
			return model.Report{}, fmt.Errorf("invalid filter %q: %w", opts.Filter, err)
		}
		match = g
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	report := model.Report{
		ScanID:    uuid.NewString(),
		StartedAt: s.now().UTC(),
		Summary:   make(map[model.Mode]int),
		Processes: make(map[int]model.ProcessRecord),
	}
	log := s.log.With().Str("scan", report.ScanID).Logger()

	// resolved once and shared read-only by every worker
	report.SystemProxy = s.resolver.Resolve(ctx)

	if p, ok := s.src.(proc.Preparer); ok {
		if err := p.Prepare(ctx); err != nil {
			log.Warn().Err(err).Msg("socket inventory unavailable")
			report.Warnings = append(report.Warnings, fmt.Sprintf("socket inventory unavailable: %v", err))
		}
	}

	infos, err := s.src.ListProcesses(ctx)
	if err != nil {
		return model.Report{}, fmt.Errorf("list processes: %w", err)
	}

	records, err := s.collect(ctx, infos, workers, opts.Debug)
	if err != nil {
		return model.Report{}, err
	}
	report.Scanned = len(records)

	cctx := classify.Context{
		Proxy:     report.SystemProxy,
		Listeners: classify.BuildListenIndex(records),
	}

	var (
		inaccessible int
		failures     int
		found        bool
	)
	for _, rec := range records {
		res := classify.Classify(rec, cctx)
		// unreadable processes have no sockets to judge and stay out of the
		// per-mode counts
		if rec.Inaccessible {
			inaccessible++
		} else {
			report.Summary[res.Mode]++
		}
		failures += rec.DecodeFailures
		if opts.Debug {
			log.Debug().Int("pid", rec.PID).Str("name", rec.Name).Str("mode", string(res.Mode)).
				Str("detail", res.Detail).Int("connections", res.Connections).Msg("classified")
		}

		if opts.PID != 0 {
			if rec.PID != opts.PID {
				continue
			}
			found = true
		} else {
			if match != nil && !match.Match(strings.ToLower(rec.Name)) {
				continue
			}
			if !opts.All && !classify.Routed(res) {
				continue
			}
		}
		report.Results = append(report.Results, res)
		report.Processes[rec.PID] = rec
	}
	if opts.PID != 0 && !found {
		return model.Report{}, fmt.Errorf("%w: pid %d", ErrProcessNotFound, opts.PID)
	}
	report.Inaccessible = inaccessible
	if inaccessible > 0 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("%d processes could not be inspected; run with elevated privileges for full coverage", inaccessible))
	}
	if failures > 0 {
		report.Warnings = append(report.Warnings, fmt.Sprintf("%d socket descriptors could not be decoded", failures))
	}

	if err := s.augment(ctx, report.Results, report.SystemProxy, opts.Probe, workers); err != nil {
		return model.Report{}, err
	}
	log.Debug().Int("scanned", report.Scanned).Int("results", len(report.Results)).Msg("scan complete")
	return report, nil
}

// collect reads and decodes every process's descriptors on at most workers
// goroutines. Results are ordered by pid; processes that exited meanwhile
// are dropped.
func (s *Scanner) collect(ctx context.Context, infos []model.ProcessInfo, workers int, debug bool) ([]model.ProcessRecord, error) {
	slots := make([]*model.ProcessRecord, len(infos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, info := range infos {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if rec, ok := s.inspect(gctx, info, debug); ok {
				slots[i] = &rec
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records := make([]model.ProcessRecord, 0, len(slots))
	for _, rec := range slots {
		if rec != nil {
			records = append(records, *rec)
		}
	}
	slices.SortStableFunc(records, func(a, b model.ProcessRecord) int { return a.PID - b.PID })
	return records, nil
}

func (s *Scanner) inspect(ctx context.Context, info model.ProcessInfo, debug bool) (model.ProcessRecord, bool) {
	rec := model.ProcessRecord{PID: info.PID, Name: info.Name, Path: info.Path}
	descs, err := s.src.Descriptors(ctx, info.PID)
	switch {
	case errors.Is(err, proc.ErrGone):
		s.log.Debug().Int("pid", info.PID).Msg("process exited during scan")
		return rec, false
	case err != nil:
		s.log.Debug().Err(err).Int("pid", info.PID).Str("name", info.Name).Msg("descriptors unavailable")
		rec.Inaccessible = true
		return rec, true
	}

	sockets, failures := sockinfo.DecodeAll(descs)
	for _, f := range failures {
		s.log.Debug().Err(f.Err).Int("pid", info.PID).Int("fd", f.FD).Msg("socket decode failed")
	}
	rec.Sockets = sockets
	rec.DecodeFailures = len(failures)
	if debug {
		for _, sock := range sockets {
			s.log.Debug().Int("pid", info.PID).Str("proto", string(sock.Protocol)).
				Str("local", sock.Local.String()).Str("remote", sock.Remote.String()).
				Str("state", sock.State.String()).Msg("socket")
		}
	}
	return rec, true
}

func (s *Scanner) augment(ctx context.Context, results []model.ClassificationResult, cfg model.SystemProxyConfig, doProbe bool, workers int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range results {
		r := &results[i]
		if s.policies != nil {
			if p, ok := s.policies.PolicyOf(r.Name); ok {
				r.Policy = p
			}
		}
		if r.Mode == model.ModeDirect {
			continue
		}
		g.Go(func() error {
			s.enrich(gctx, r, cfg, doProbe)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Scanner) enrich(ctx context.Context, r *model.ClassificationResult, cfg model.SystemProxyConfig, doProbe bool) {
	var regionAddr netip.Addr

	endpoint, prefer := probeTarget(*r, cfg)
	if doProbe && s.prober != nil && endpoint != "" {
		res := s.prober.Probe(ctx, endpoint, prefer)
		if res.OK() {
			r.ExitIP = res.IP.String()
			regionAddr = res.IP
		} else {
			r.ProbeFailed = true
		}
	}
	if !regionAddr.IsValid() && r.Endpoint != "" {
		if ap, err := netip.ParseAddrPort(r.Endpoint); err == nil && !ap.Addr().IsLoopback() {
			regionAddr = ap.Addr()
		}
	}
	if !regionAddr.IsValid() {
		return
	}

	if s.geo == nil {
		return
	}
	c, err := s.geo.Country(regionAddr)
	if err != nil {
		if !errors.Is(err, geoip.ErrNotFound) {
			s.log.Debug().Err(err).Str("addr", regionAddr.String()).Msg("geoip lookup")
		}
		return
	}
	r.Region = c.ISOCode
	r.CountryName = c.Name
}

// probeTarget picks the proxy endpoint whose exit IP describes r.
func probeTarget(r model.ClassificationResult, cfg model.SystemProxyConfig) (string, probe.Method) {
	switch r.Mode {
	case model.ModeSystemProxy:
		return r.Detail, preferFor(r.ProxyKind)
	case model.ModeLocalProxy:
		return r.Endpoint, probe.MethodSOCKS5
	case model.ModeVPNLikely:
		if entries := cfg.Entries(); len(entries) > 0 {
			return entries[0].String(), preferFor(entries[0].Kind)
		}
	}
	return "", ""
}

func preferFor(k model.ProxyKind) probe.Method {
	if k == model.ProxySOCKS {
		return probe.MethodSOCKS5
	}
	return probe.MethodHTTP
}

package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/fleetinstall/pkg/engine"
)

// Resolver looks up host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Discoverer merges sources into the batch of a run. It implements
// engine.HostSource.
type Discoverer struct {
	sources  []Source
	filter   Filter
	resolver Resolver
	parallel int
	logger   zerolog.Logger
}

// Option configures a Discoverer.
type Option func(*Discoverer)

// WithFilter skips candidates the filter rejects.
func WithFilter(f Filter) Option {
	return func(d *Discoverer) {
		d.filter = f
	}
}

// WithResolver skips candidates whose name does not resolve.
func WithResolver(r Resolver) Option {
	return func(d *Discoverer) {
		d.resolver = r
	}
}

// WithDNSCheck enables resolution through net.DefaultResolver.
func WithDNSCheck() Option {
	return WithResolver(net.DefaultResolver)
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Discoverer) {
		d.logger = logger
	}
}

// New creates a Discoverer over the given sources, consulted in order.
func New(sources []Source, opts ...Option) *Discoverer {
	d := &Discoverer{
		sources:  sources,
		parallel: 16,
		logger:   log.Logger.With().Str("component", "discovery").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Discover implements engine.HostSource. Duplicate names (case-insensitive)
// are collapsed with the first occurrence winning.
func (d *Discoverer) Discover(ctx context.Context) (engine.Discovery, error) {
	candidates, err := d.collect(ctx)
	if err != nil {
		return engine.Discovery{}, err
	}

	type verdict struct {
		skip   bool
		reason string
	}
	verdicts := make([]verdict, len(candidates))

	if d.filter != nil {
		for i, c := range candidates {
			include, reason, err := d.filter.Include(ctx, c)
			if err != nil {
				return engine.Discovery{}, fmt.Errorf("host filter: %w", err)
			}
			if !include {
				verdicts[i] = verdict{skip: true, reason: reason}
			}
		}
	}

	if d.resolver != nil {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.parallel)
		for i, c := range candidates {
			if verdicts[i].skip {
				continue
			}
			g.Go(func() error {
				if reason, ok := d.resolve(gctx, c.Name); !ok {
					mu.Lock()
					verdicts[i] = verdict{skip: true, reason: reason}
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return engine.Discovery{}, err
		}
	}

	var out engine.Discovery
	for i, c := range candidates {
		host := engine.HostRecord{Name: c.Name}
		if verdicts[i].skip {
			out.Skipped = append(out.Skipped, engine.SkippedHost{Host: host, Reason: verdicts[i].reason})
			d.logger.Info().Str("host", c.Name).Str("reason", verdicts[i].reason).Msg("Host skipped")
			continue
		}
		out.Hosts = append(out.Hosts, host)
	}

	d.logger.Debug().
		Int("hosts", len(out.Hosts)).
		Int("skipped", len(out.Skipped)).
		Msg("Discovery complete")
	return out, nil
}

func (d *Discoverer) collect(ctx context.Context) ([]Candidate, error) {
	seen := make(map[string]struct{})
	var out []Candidate
	for _, src := range d.sources {
		cands, err := src.Candidates(ctx)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name(), err)
		}
		for _, c := range cands {
			c.Name = strings.TrimSpace(c.Name)
			if c.Name == "" {
				continue
			}
			key := strings.ToLower(c.Name)
			if _, dup := seen[key]; dup {
				d.logger.Debug().Str("host", c.Name).Str("source", src.Name()).Msg("Duplicate host ignored")
				continue
			}
			seen[key] = struct{}{}
			out = append(out, c)
		}
	}
	return out, nil
}

func (d *Discoverer) resolve(ctx context.Context, name string) (string, bool) {
	host := name
	if h, _, err := net.SplitHostPort(name); err == nil {
		host = h
	}
	if net.ParseIP(host) != nil {
		return "", true
	}
	addrs, err := d.resolver.LookupHost(ctx, host)
	if err != nil {
		return fmt.Sprintf("unresolvable: %v", err), false
	}
	if len(addrs) == 0 {
		return "unresolvable: no addresses", false
	}
	return "", true
}

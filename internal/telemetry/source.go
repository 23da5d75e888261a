package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"nae-runtime/internal/series"
)

const (
	DefaultPollInterval   = 10 * time.Second
	DefaultExpandInterval = time.Minute
	DefaultDegradeAfter   = 3
	DefaultConcurrency    = 8
)

type Config struct {
	PollInterval   time.Duration
	ExpandInterval time.Duration
	DegradeAfter   int
	Concurrency    int
}

func (c Config) normalize() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ExpandInterval <= 0 {
		c.ExpandInterval = DefaultExpandInterval
	}
	if c.DegradeAfter <= 0 {
		c.DegradeAfter = DefaultDegradeAfter
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	return c
}

// Observer receives fetch health signals, typically metrics.
type Observer interface {
	FetchFailed(uri string)
	DegradedChanged(uri string, degraded bool)
}

type nopObserver struct{}

func (nopObserver) FetchFailed(string)           {}
func (nopObserver) DegradedChanged(string, bool) {}

// Round carries the batches of one polling pass, keyed by URI.
type Round struct {
	TS      time.Time
	Batches map[string]series.Batch
}

type instance struct {
	path   string
	labels series.Labels
}

type subscription struct {
	uri         URI
	refs        int
	instances   []instance
	expandedAt  time.Time
	pendingGone []string
	failures    int
	degraded    bool
}

type listener struct {
	uris    map[string]struct{}
	deliver func(Round)
}

// Source polls subscribed URIs and fans rounds out to listeners. Each URI is
// fetched once per round however many listeners share it.
type Source struct {
	client   Client
	clock    clock.Clock
	cfg      Config
	logger   *slog.Logger
	observer Observer

	mu        sync.Mutex
	subs      map[string]*subscription
	listeners map[string]*listener
}

func NewSource(client Client, clk clock.Clock, cfg Config, logger *slog.Logger) *Source {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		client:    client,
		clock:     clk,
		cfg:       cfg.normalize(),
		logger:    logger,
		observer:  nopObserver{},
		subs:      map[string]*subscription{},
		listeners: map[string]*listener{},
	}
}

func (s *Source) SetObserver(o Observer) {
	if o != nil {
		s.observer = o
	}
}

// Subscribe registers a listener for uris. The returned func releases the
// listener and any subscription no other listener still uses.
func (s *Source) Subscribe(id string, uris []string, deliver func(Round)) (func(), error) {
	parsed := make([]URI, 0, len(uris))
	for _, raw := range uris {
		u, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, u)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[id]; ok {
		s.releaseLocked(id)
	}
	l := &listener{uris: map[string]struct{}{}, deliver: deliver}
	for _, u := range parsed {
		if _, dup := l.uris[u.String()]; dup {
			continue
		}
		l.uris[u.String()] = struct{}{}
		sub, ok := s.subs[u.String()]
		if !ok {
			sub = &subscription{uri: u}
			s.subs[u.String()] = sub
		}
		sub.refs++
	}
	s.listeners[id] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.listeners[id] == l {
			s.releaseLocked(id)
		}
	}, nil
}

func (s *Source) releaseLocked(id string) {
	l := s.listeners[id]
	delete(s.listeners, id)
	for uri := range l.uris {
		sub := s.subs[uri]
		if sub == nil {
			continue
		}
		sub.refs--
		if sub.refs <= 0 {
			delete(s.subs, uri)
		}
	}
}

// Subscriptions lists the physical subscriptions currently polled.
func (s *Source) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for uri := range s.subs {
		out = append(out, uri)
	}
	return out
}

func (s *Source) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.cfg.PollInterval)
	defer ticker.Stop()
	s.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll runs one round over every subscription and delivers the results.
func (s *Source) Poll(ctx context.Context) {
	s.mu.Lock()
	subs := make(map[string]*subscription, len(s.subs))
	for uri, sub := range s.subs {
		subs[uri] = sub
	}
	s.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	ts := s.clock.Now()
	var (
		resMu   sync.Mutex
		batches = map[string]series.Batch{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for uri, sub := range subs {
		uri, sub := uri, sub
		g.Go(func() error {
			if b, ok := s.poll(gctx, sub, ts); ok {
				resMu.Lock()
				batches[uri] = b
				resMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	type delivery struct {
		fn    func(Round)
		round Round
	}
	deliveries := []delivery{}
	for _, l := range s.listeners {
		round := Round{TS: ts, Batches: map[string]series.Batch{}}
		for uri := range l.uris {
			if b, ok := batches[uri]; ok {
				round.Batches[uri] = b
			}
		}
		if len(round.Batches) > 0 {
			deliveries = append(deliveries, delivery{fn: l.deliver, round: round})
		}
	}
	s.mu.Unlock()
	for _, d := range deliveries {
		d.fn(d.round)
	}
}

func (s *Source) poll(ctx context.Context, sub *subscription, ts time.Time) (series.Batch, bool) {
	if sub.instances == nil || sub.uri.HasWildcard() && ts.Sub(sub.expandedAt) >= s.cfg.ExpandInterval {
		instances, err := s.expand(ctx, sub.uri)
		if err != nil {
			return s.fail(sub, ts, err)
		}
		sub.pendingGone = append(sub.pendingGone, goneKeys(sub.instances, instances)...)
		sub.instances = instances
		sub.expandedAt = ts
	}
	out := series.Batch{TS: ts}
	errs := 0
	var lastErr error
	for _, inst := range sub.instances {
		body, err := s.client.Get(ctx, inst.path, sub.uri.Query())
		if err != nil {
			errs++
			lastErr = err
			continue
		}
		value, ok := decodeLeaf(body, sub.uri.Attributes())
		if !ok {
			s.logger.Debug("telemetry sample dropped", slog.String("uri", sub.uri.String()), slog.String("path", inst.path))
			continue
		}
		out.Samples = append(out.Samples, series.NewSample(inst.labels, value))
	}
	if len(sub.instances) > 0 && errs == len(sub.instances) {
		return s.fail(sub, ts, lastErr)
	}
	sub.failures = 0
	if sub.degraded {
		sub.degraded = false
		s.observer.DegradedChanged(sub.uri.String(), false)
		s.logger.Info("telemetry recovered", slog.String("uri", sub.uri.String()))
	}
	out.Gone = sub.pendingGone
	sub.pendingGone = nil
	out.Sort()
	return out, true
}

func (s *Source) fail(sub *subscription, ts time.Time, err error) (series.Batch, bool) {
	sub.failures++
	s.observer.FetchFailed(sub.uri.String())
	if sub.failures < s.cfg.DegradeAfter {
		s.logger.Debug("telemetry fetch failed", slog.String("uri", sub.uri.String()), slog.String("error", errText(err)))
		return series.Batch{}, false
	}
	if !sub.degraded {
		sub.degraded = true
		s.observer.DegradedChanged(sub.uri.String(), true)
		s.logger.Warn("telemetry degraded", slog.String("uri", sub.uri.String()), slog.Int("failures", sub.failures), slog.String("error", errText(err)))
	}
	return series.Batch{TS: ts, Degraded: true}, true
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Fetch reads a one-off snapshot of uri without subscribing.
func (s *Source) Fetch(ctx context.Context, raw string) (series.Batch, error) {
	u, err := Parse(raw)
	if err != nil {
		return series.Batch{}, err
	}
	instances, err := s.expand(ctx, u)
	if err != nil {
		return series.Batch{}, err
	}
	out := series.Batch{TS: s.clock.Now()}
	for _, inst := range instances {
		body, err := s.client.Get(ctx, inst.path, u.Query())
		if err != nil {
			return series.Batch{}, err
		}
		if value, ok := decodeLeaf(body, u.Attributes()); ok {
			out.Samples = append(out.Samples, series.NewSample(inst.labels, value))
		}
	}
	out.Sort()
	return out, nil
}

// expand resolves every wildcard segment against the live collections.
func (s *Source) expand(ctx context.Context, u URI) ([]instance, error) {
	segments := u.Segments()
	partial := []instance{{path: "", labels: series.Labels{}}}
	for i, seg := range segments {
		if seg != wildcard {
			for j := range partial {
				partial[j].path += "/" + seg
			}
			continue
		}
		name := labelName(segments, i)
		next := []instance{}
		for _, p := range partial {
			query := url.Values{"depth": {"1"}}
			if f := u.Filter(); f != "" && i == len(segments)-1 {
				query.Set("filter", f)
			}
			body, err := s.client.Get(ctx, p.path, query)
			if err != nil {
				return nil, fmt.Errorf("expand %s: %w", p.path, err)
			}
			members, err := decodeInstances(body)
			if err != nil {
				return nil, fmt.Errorf("expand %s: %w", p.path, err)
			}
			for _, m := range members {
				labels := p.labels.Merge(series.Labels{name: m})
				next = append(next, instance{path: p.path + "/" + url.PathEscape(m), labels: labels})
			}
		}
		partial = next
	}
	return partial, nil
}

func goneKeys(before, after []instance) []string {
	if len(before) == 0 {
		return nil
	}
	present := map[string]struct{}{}
	for _, inst := range after {
		present[inst.labels.Key()] = struct{}{}
	}
	gone := []string{}
	for _, inst := range before {
		key := inst.labels.Key()
		if _, ok := present[key]; !ok {
			gone = append(gone, key)
		}
	}
	return gone
}

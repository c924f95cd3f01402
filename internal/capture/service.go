package capture

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"media-capture/internal/browser"
	"media-capture/internal/platform/metrics"
	"media-capture/internal/relay"

	"github.com/tidwall/gjson"
)

const (
	DefaultNavigationTimeout = 60 * time.Second
	DefaultDwell             = 1800 * time.Millisecond
	DefaultProbeTimeout      = 8 * time.Second
	DefaultPageOpenTimeout   = 15 * time.Second

	evaluateTimeout = 10 * time.Second
)

// ErrInvalidTarget is returned by StartSession for non-http(s) targets.
var ErrInvalidTarget = errors.New("invalid target url")

// Prober checks whether a URL serves playable media.
type Prober interface {
	Probe(ctx context.Context, rawURL string) (playable bool, contentType string, err error)
}

// Options tunes the per-session crawl. Zero values select defaults, except
// Dwell where zero skips the wait.
type Options struct {
	NavigationTimeout time.Duration
	Dwell             time.Duration
	Heartbeat         time.Duration
	ProbeTimeout      time.Duration
	PageOpenTimeout   time.Duration
}

// Service runs capture sessions: it starts the crawl worker for each new
// session and feeds observations into the session's hub.
type Service struct {
	registry *Registry
	engine   browser.Engine
	prober   Prober
	opts     Options
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewService returns a Service. prober may be nil to disable playability
// probes; m may be nil to disable metrics.
func NewService(registry *Registry, engine browser.Engine, prober Prober, opts Options, log *slog.Logger, m *metrics.Metrics) *Service {
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = DefaultNavigationTimeout
	}
	if opts.Dwell < 0 {
		opts.Dwell = 0
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.PageOpenTimeout <= 0 {
		opts.PageOpenTimeout = DefaultPageOpenTimeout
	}
	return &Service{registry: registry, engine: engine, prober: prober, opts: opts, log: log, metrics: m}
}

// Heartbeat returns the keep-alive interval for subscribers.
func (s *Service) Heartbeat() time.Duration {
	return s.opts.Heartbeat
}

// StartSession registers a session for targetURL and starts capturing in the
// background. It returns as soon as the session exists.
func (s *Service) StartSession(targetURL string, ttl time.Duration) (*Session, error) {
	u, err := relay.ParseURL(targetURL)
	if err != nil {
		return nil, ErrInvalidTarget
	}
	sess, err := s.registry.Create(u.String(), ttl)
	if err != nil {
		return nil, err
	}
	if s.engine != nil {
		s.registry.Go(sess, "crawl", func(ctx context.Context) { s.crawl(ctx, sess) })
	}
	return sess, nil
}

// Results returns the session's references in store order. A session that
// found nothing yields an empty, non-nil slice.
func (s *Service) Results(id SessionID) ([]MediaReference, error) {
	sess, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return sess.hub.Results(), nil
}

// Subscribe attaches sink to the session and counts as activity.
func (s *Service) Subscribe(id SessionID, sink Sink) (*Subscription, error) {
	sess, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	_ = s.registry.Touch(id)
	sub, err := sess.hub.Subscribe(sink)
	if errors.Is(err, ErrHubClosed) {
		return nil, ErrSessionNotFound
	}
	return sub, err
}

// CloseSession destroys the session immediately.
func (s *Service) CloseSession(id SessionID) error {
	if !s.registry.Destroy(id, ReasonClosed) {
		return ErrSessionNotFound
	}
	return nil
}

// Observe feeds one observation into the session and returns how many new
// references it produced.
func (s *Service) Observe(id SessionID, obs Observation) (int, error) {
	sess, err := s.registry.Get(id)
	if err != nil {
		return 0, err
	}
	return s.observe(sess, obs), nil
}

func (s *Service) observe(sess *Session, obs Observation) int {
	candidates := Normalize(obs)
	if len(candidates) == 0 {
		return 0
	}
	// Any usable observation is activity, including repeats of known URLs.
	_ = s.registry.Touch(sess.ID)

	accepted := 0
	for _, c := range candidates {
		ref, ok := sess.hub.Accept(c)
		if !ok {
			if s.metrics != nil {
				s.metrics.IncDuplicatesRejected()
			}
			continue
		}
		accepted++
		s.log.Debug("reference accepted",
			slog.String("session_id", string(sess.ID)),
			slog.String("url", ref.CanonicalURL),
			slog.String("kind", string(ref.Kind)),
			slog.String("source", ref.Source))
		if s.metrics != nil {
			s.metrics.IncReferencesAccepted(string(ref.Kind))
		}
		s.probe(sess, ref)
	}
	return accepted
}

// probe enriches ref asynchronously. It never blocks the accept path.
func (s *Service) probe(sess *Session, ref MediaReference) {
	if s.prober == nil {
		return
	}
	if strings.HasPrefix(ref.CanonicalURL, "data:") || strings.HasPrefix(ref.CanonicalURL, "blob:") {
		return
	}
	s.registry.Go(sess, "probe", func(ctx context.Context) {
		if err := sess.probes.Acquire(ctx, 1); err != nil {
			return
		}
		defer sess.probes.Release(1)

		pctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
		defer cancel()
		playable, ct, err := s.prober.Probe(pctx, ref.CanonicalURL)
		if err != nil {
			s.log.Debug("probe failed",
				slog.String("session_id", string(sess.ID)),
				slog.String("url", ref.CanonicalURL),
				slog.String("error", err.Error()))
			s.countProbe("error")
			return
		}
		sess.hub.Enrich(ref.CanonicalURL, playable, ct)
		if playable {
			s.countProbe("playable")
		} else {
			s.countProbe("unplayable")
		}
	})
}

func (s *Service) countProbe(result string) {
	if s.metrics != nil {
		s.metrics.IncProbes(result)
	}
}

func (s *Service) dropped(sess *Session, reason string) {
	s.log.Debug("observation dropped",
		slog.String("session_id", string(sess.ID)),
		slog.String("reason", reason))
	if s.metrics != nil {
		s.metrics.IncObservationsDropped()
	}
}

// crawl drives the session's page: instrument, navigate, wait out the dwell
// period and scan the final DOM. Every step is allowed to fail; the session
// keeps whatever was captured. The page stays open until the session is
// destroyed so late network activity is still observed.
func (s *Service) crawl(ctx context.Context, sess *Session) {
	log := s.log.With(slog.String("session_id", string(sess.ID)))

	openCtx, cancel := context.WithTimeout(ctx, s.opts.PageOpenTimeout)
	page, err := s.engine.NewPage(openCtx)
	cancel()
	if err != nil {
		log.Warn("open page failed", slog.String("error", err.Error()))
		return
	}
	if !sess.attachPage(page) {
		_ = page.Close()
		return
	}

	page.OnConsole(func(text string) {
		if !strings.HasPrefix(strings.TrimSpace(text), ConsolePrefix) {
			return
		}
		obs, ok := ParseConsoleMessage(text)
		if !ok {
			s.dropped(sess, "malformed console capture")
			return
		}
		s.observe(sess, obs)
	})
	page.OnResponse(func(r browser.Response) {
		s.observe(sess, NetworkResponse{
			URL:          r.URL,
			ContentType:  r.ContentType,
			ResourceType: r.ResourceType,
			Body:         r.Body,
		})
	})

	if err := page.AddInitScript(ctx, browser.InstrumentationScript); err != nil {
		log.Debug("instrumentation not installed", slog.String("error", err.Error()))
	}

	navCtx, cancel := context.WithTimeout(ctx, s.opts.NavigationTimeout)
	err = page.Goto(navCtx, sess.TargetURL)
	cancel()
	if err != nil {
		log.Info("navigation incomplete", slog.String("error", err.Error()))
	}

	if s.opts.Dwell > 0 {
		t := time.NewTimer(s.opts.Dwell)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
	if ctx.Err() != nil {
		return
	}

	s.finalScan(ctx, sess, page, log)
	log.Info("crawl finished", slog.Int("results", len(sess.hub.Results())))
}

func (s *Service) finalScan(ctx context.Context, sess *Session, page browser.Page, log *slog.Logger) {
	ectx, cancel := context.WithTimeout(ctx, evaluateTimeout)
	defer cancel()

	if raw, err := page.Evaluate(ectx, browser.DOMScanScript); err != nil {
		log.Debug("dom scan failed", slog.String("error", err.Error()))
	} else if batch, ok := DecodeDOMScan(raw); ok {
		s.observe(sess, batch)
	}

	raw, err := page.Evaluate(ectx, browser.DocumentHTMLScript)
	if err != nil {
		log.Debug("document snapshot failed", slog.String("error", err.Error()))
		return
	}
	doc := gjson.Parse(raw)
	if doc.Type != gjson.String {
		s.dropped(sess, "document snapshot not a string")
		return
	}
	if batch, ok := ScanHTML(doc.Str, sess.TargetURL); ok {
		s.observe(sess, batch)
	}
}

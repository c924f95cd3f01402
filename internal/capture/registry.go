package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"media-capture/internal/browser"
	"media-capture/internal/platform/metrics"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultSessionTTL is the inactivity timeout applied when none is given.
	DefaultSessionTTL = 90 * time.Second

	// DefaultProbeConcurrency bounds concurrent playability probes per session.
	DefaultProbeConcurrency = 4
)

// Destroy reasons, used as the metrics label.
const (
	ReasonExpired  = "expired"
	ReasonLifetime = "lifetime"
	ReasonClosed   = "closed"
	ReasonShutdown = "shutdown"
)

var (
	// ErrSessionNotFound is returned for unknown, destroyed or expired sessions.
	ErrSessionNotFound = errors.New("unknown or expired session")

	// ErrTooManySessions is returned by Create when the registry is full.
	ErrTooManySessions = errors.New("too many active sessions")
)

// Session is one bounded capture run against one target page. It owns its
// result store, broadcast hub and page handle; callers refer to it by ID.
type Session struct {
	ID        SessionID
	TargetURL string
	CreatedAt time.Time
	TTL       time.Duration

	hub    *Hub
	probes *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	deadline time.Time
	idle     *time.Timer
	lifetime *time.Timer
	page     browser.Page
	closed   bool
}

// Hub returns the session's broadcast hub.
func (s *Session) Hub() *Hub {
	return s.hub
}

// Context is cancelled when the session is destroyed.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Deadline returns the current inactivity deadline.
func (s *Session) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline
}

// attachPage hands the page to the session. It reports false when the
// session was already destroyed, in which case the caller still owns page.
func (s *Session) attachPage(p browser.Page) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.page = p
	return true
}

func (s *Session) expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || !now.Before(s.deadline)
}

// RegistryOptions configures a Registry. Zero values select defaults.
type RegistryOptions struct {
	DefaultTTL       time.Duration
	MaxLifetime      time.Duration // 0 disables the hard cap
	MaxSessions      int           // 0 means unlimited
	ProbeConcurrency int
	TrustedDomains   []string
	PriorityDomains  []string
}

// Registry owns every live session and their teardown. Each session is
// destroyed at most once, by inactivity, lifetime cap, explicit close or
// shutdown.
type Registry struct {
	mu      sync.Mutex
	store   SessionStore
	opts    RegistryOptions
	canon   *Canonicalizer
	log     *slog.Logger
	metrics *metrics.Metrics
	workers sync.WaitGroup
	closing bool
	now     func() time.Time
}

// NewRegistry returns an empty registry backed by an in-memory store.
// Metrics may be nil.
func NewRegistry(opts RegistryOptions, log *slog.Logger, m *metrics.Metrics) *Registry {
	return NewRegistryWithStore(NewInMemorySessionStore(), opts, log, m)
}

// NewRegistryWithStore returns a registry that keeps sessions in store.
func NewRegistryWithStore(store SessionStore, opts RegistryOptions, log *slog.Logger, m *metrics.Metrics) *Registry {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultSessionTTL
	}
	if opts.ProbeConcurrency <= 0 {
		opts.ProbeConcurrency = DefaultProbeConcurrency
	}
	return &Registry{
		store:   store,
		opts:    opts,
		canon:   NewCanonicalizer(opts.TrustedDomains),
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// Canonicalizer returns the canonicalizer shared by the registry's sessions.
func (r *Registry) Canonicalizer() *Canonicalizer {
	return r.canon
}

// Create allocates a session for targetURL and starts its inactivity timer.
// A non-positive ttl uses the registry default.
func (r *Registry) Create(targetURL string, ttl time.Duration) (*Session, error) {
	if ttl <= 0 {
		ttl = r.opts.DefaultTTL
	}

	r.mu.Lock()
	if r.opts.MaxSessions > 0 && len(r.store.ListSessionIDs()) >= r.opts.MaxSessions {
		r.mu.Unlock()
		return nil, ErrTooManySessions
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := r.now()
	s := &Session{
		ID:        SessionID(uuid.NewString()),
		TargetURL: targetURL,
		CreatedAt: now.UTC(),
		TTL:       ttl,
		hub:       NewHub(NewResultStore(r.canon, r.opts.PriorityDomains)),
		probes:    semaphore.NewWeighted(int64(r.opts.ProbeConcurrency)),
		ctx:       ctx,
		cancel:    cancel,
		deadline:  now.Add(ttl),
	}
	id := s.ID
	s.mu.Lock()
	s.idle = time.AfterFunc(ttl, func() { r.expire(id) })
	if r.opts.MaxLifetime > 0 {
		s.lifetime = time.AfterFunc(r.opts.MaxLifetime, func() { r.Destroy(id, ReasonLifetime) })
	}
	s.mu.Unlock()
	r.store.PutSession(s)
	r.mu.Unlock()

	r.log.Info("session created",
		slog.String("session_id", string(id)),
		slog.String("target", targetURL),
		slog.Duration("ttl", ttl))
	if r.metrics != nil {
		r.metrics.IncSessionsCreated()
	}
	return s, nil
}

// Get resolves id. Sessions past their inactivity deadline are reported as
// not found even if their timer has not fired yet.
func (r *Registry) Get(id SessionID) (*Session, error) {
	r.mu.Lock()
	s, ok := r.store.GetSession(id)
	r.mu.Unlock()
	if !ok || s.expired(r.now()) {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Touch pushes the session's inactivity deadline to now+TTL.
func (r *Registry) Touch(id SessionID) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.deadline = r.now().Add(s.TTL)
	s.mu.Unlock()
	return nil
}

// expire runs when the idle timer fires. A deadline moved by Touch re-arms
// the timer for the remainder instead of destroying the session.
func (r *Registry) expire(id SessionID) {
	r.mu.Lock()
	s, ok := r.store.GetSession(id)
	r.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if remaining := s.deadline.Sub(r.now()); remaining > 0 {
		s.idle.Reset(remaining)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	r.Destroy(id, ReasonExpired)
}

// Destroy tears the session down: it leaves the registry, its subscribers
// are closed, its worker context is cancelled and its page is closed. Page
// close errors are logged and dropped. It reports whether this call did the
// teardown; later calls are no-ops.
func (r *Registry) Destroy(id SessionID, reason string) bool {
	r.mu.Lock()
	s, ok := r.store.GetSession(id)
	if ok {
		r.store.DeleteSession(id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	if s.idle != nil {
		s.idle.Stop()
	}
	if s.lifetime != nil {
		s.lifetime.Stop()
	}
	page := s.page
	s.page = nil
	s.mu.Unlock()

	s.cancel()
	s.hub.Close()
	if page != nil {
		if err := page.Close(); err != nil {
			r.log.Debug("page close failed",
				slog.String("session_id", string(id)),
				slog.String("error", err.Error()))
		}
	}

	r.log.Info("session destroyed",
		slog.String("session_id", string(id)),
		slog.String("reason", reason),
		slog.Int("results", len(s.hub.Results())))
	if r.metrics != nil {
		r.metrics.IncSessionsDestroyed(reason)
	}
	return true
}

// ActiveCount returns the number of registered sessions.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.store.ListSessionIDs())
}

// SubscriberCount returns the number of subscribers across all sessions.
func (r *Registry) SubscriberCount() int {
	r.mu.Lock()
	ids := r.store.ListSessionIDs()
	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := r.store.GetSession(id); ok {
			sessions = append(sessions, s)
		}
	}
	r.mu.Unlock()

	n := 0
	for _, s := range sessions {
		n += s.hub.Subscribers()
	}
	return n
}

// Go runs fn on a goroutine supervised by the registry. fn receives the
// session context; a panic is logged and contained to fn. It reports false,
// without running fn, once the session is torn down or the registry is closing.
func (r *Registry) Go(s *Session, name string, fn func(ctx context.Context)) bool {
	r.mu.Lock()
	if r.closing || s.ctx.Err() != nil {
		r.mu.Unlock()
		return false
	}
	r.workers.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.workers.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("session worker panicked",
					slog.String("session_id", string(s.ID)),
					slog.String("worker", name),
					slog.String("panic", fmt.Sprint(rec)),
					slog.String("stack", string(debug.Stack())))
			}
		}()
		fn(s.ctx)
	}()
	return true
}

// Close destroys every session and waits for their workers until ctx expires.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	ids := r.store.ListSessionIDs()
	r.mu.Unlock()
	for _, id := range ids {
		r.Destroy(id, ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		r.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc/pool"

	"github.com/ggoodman/mcp-session-go/internal/logctx"
)

// DefaultIdleTTL is how long a detached session may stay idle before Reap
// closes it.
const DefaultIdleTTL = time.Hour

const shutdownGrace = 10 * time.Second

// Manager owns the live sessions of one server process.
type Manager struct {
	registry *Registry
	log      *slog.Logger
	clock    clockwork.Clock
	idleTTL  time.Duration
	opts     []Option

	mu       sync.RWMutex
	sessions map[string]*Session
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSessionOptions applies opts to every session the manager creates.
func WithSessionOptions(opts ...Option) ManagerOption {
	return func(m *Manager) { m.opts = append(m.opts, opts...) }
}

// WithIdleTTL sets how long a session without an attached stream survives.
func WithIdleTTL(d time.Duration) ManagerOption {
	return func(m *Manager) { m.idleTTL = d }
}

// WithManagerClock sets the clock for idle tracking.
func WithManagerClock(clock clockwork.Clock) ManagerOption {
	return func(m *Manager) { m.clock = clock }
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

// NewManager returns a manager creating sessions that serve reg.
func NewManager(reg *Registry, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry: reg,
		log:      slog.Default(),
		clock:    clockwork.NewRealClock(),
		idleTTL:  DefaultIdleTTL,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create constructs and tracks a new session.
func (m *Manager) Create(opts ...Option) *Session {
	all := make([]Option, 0, len(m.opts)+len(opts)+2)
	all = append(all, WithLogger(m.sessionLogger()), WithClock(m.clock))
	all = append(all, m.opts...)
	all = append(all, opts...)
	s := New(m.registry, all...)

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	go func() {
		<-s.Done()
		m.mu.Lock()
		if m.sessions[s.ID()] == s {
			delete(m.sessions, s.ID())
		}
		m.mu.Unlock()
	}()

	m.log.Info("sessions.create.ok", slog.String("session_id", s.ID()))
	return s
}

// sessionLogger decorates records with the request and session data the
// transports put on the context.
func (m *Manager) sessionLogger() *slog.Logger {
	if _, ok := m.log.Handler().(logctx.Handler); ok {
		return m.log
	}
	return slog.New(logctx.Handler{Handler: m.log.Handler()})
}

// Get returns the live session with the given ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Delete closes and forgets the session. It reports whether it existed.
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, s.Close(ctx)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Broadcast sends a notification on the primary stream of every ready
// session. It returns the number of sessions notified.
func (m *Manager) Broadcast(ctx context.Context, method string, params any) int {
	var (
		mu sync.Mutex
		n  int
	)
	p := pool.New().WithMaxGoroutines(16)
	for _, s := range m.snapshot() {
		if s.State() != StateReady {
			continue
		}
		p.Go(func() {
			if err := s.notifyOn(ctx, s.PrimaryStream(), method, params); err != nil {
				m.log.InfoContext(ctx, "sessions.broadcast.fail", slog.String("session_id", s.ID()), slog.String("err", err.Error()))
				return
			}
			mu.Lock()
			n++
			mu.Unlock()
		})
	}
	p.Wait()
	return n
}

// Reap closes sessions with no attached stream that have been idle longer
// than the idle TTL, and drops finished request streams of the survivors
// past their retention. It returns the number of sessions closed.
func (m *Manager) Reap(ctx context.Context) int {
	now := m.clock.Now()
	var n int
	for _, s := range m.snapshot() {
		if dropped := s.reapStreams(ctx, now.Add(-s.streamTTL)); dropped > 0 {
			m.log.DebugContext(ctx, "sessions.reap.streams", slog.String("session_id", s.ID()), slog.Int("dropped", dropped))
		}
		if s.Attached() || now.Sub(s.LastActive()) < m.idleTTL {
			continue
		}
		if _, err := m.Delete(ctx, s.ID()); err != nil {
			m.log.InfoContext(ctx, "sessions.reap.fail", slog.String("session_id", s.ID()), slog.String("err", err.Error()))
		}
		n++
	}
	if n > 0 {
		m.log.InfoContext(ctx, "sessions.reap.ok", slog.Int("closed", n))
	}
	return n
}

// Run reaps idle sessions periodically until ctx ends, then closes every
// remaining session.
func (m *Manager) Run(ctx context.Context) error {
	interval := max(m.idleTTL/4, time.Second)
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
			m.Shutdown(sctx)
			cancel()
			return nil
		case <-ticker.Chan():
			m.Reap(ctx)
		}
	}
}

// Shutdown closes every session.
func (m *Manager) Shutdown(ctx context.Context) {
	p := pool.New()
	for _, s := range m.snapshot() {
		p.Go(func() {
			if _, err := m.Delete(ctx, s.ID()); err != nil {
				m.log.InfoContext(ctx, "sessions.shutdown.fail", slog.String("session_id", s.ID()), slog.String("err", err.Error()))
			}
		})
	}
	p.Wait()
}

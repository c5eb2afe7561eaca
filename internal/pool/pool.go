// Package pool owns the authenticated RouterOS sessions, at most one per
// router, and gates reconnect attempts behind exponential backoff.
package pool

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jpillora/backoff"

	"github.com/fengxsong/mikrotik_exporter/internal/routeros"
)

const (
	backoffBase   = 5 * time.Second
	backoffCap    = 300 * time.Second
	backoffJitter = 0.2
)

// Conn is the slice of the RouterOS client the pool leases out.
type Conn interface {
	Run(ctx context.Context, sentence ...string) ([]routeros.AttrMap, error)
	Close() error
}

// DialFunc opens and authenticates a new session.
type DialFunc func(ctx context.Context) (Conn, error)

// State tracks a router's connection lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticated
	Broken
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticated:
		return "authenticated"
	case Broken:
		return "broken"
	}
	return "unknown"
}

// BackoffError is returned when a reconnect is refused because the backoff
// window has not elapsed yet.
type BackoffError struct {
	NextAttempt time.Time
}

func (e *BackoffError) Error() string {
	return fmt.Sprintf("connection attempt backed off until %s", e.NextAttempt.Format(time.RFC3339))
}

// RouterStatus is the per-router health view.
type RouterStatus struct {
	Name              string `json:"name"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
}

type entry struct {
	mu                sync.Mutex
	dial              DialFunc
	conn              Conn
	state             State
	consecutiveErrors int
	nextAttempt       time.Time
	curve             *backoff.Backoff
}

// Pool holds one entry per configured router. Entries are registered before
// the schedulers start and the map is read-only afterwards.
type Pool struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  log.Logger
	now     func() time.Time
	jitter  func() float64
}

func New(logger log.Logger) *Pool {
	return &Pool{
		entries: make(map[string]*entry),
		logger:  logger,
		now:     time.Now,
		jitter:  rand.Float64,
	}
}

// Register adds a router. Must not be called after schedulers start.
func (p *Pool) Register(name string, dial DialFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[name] = &entry{
		dial: dial,
		curve: &backoff.Backoff{
			Min:    backoffBase,
			Max:    backoffCap,
			Factor: 2,
			Jitter: false,
		},
	}
}

func (p *Pool) entry(name string) (*entry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[name]
	if !ok {
		return nil, fmt.Errorf("unknown router %q", name)
	}
	return e, nil
}

// WithConnection leases the router's connection and invokes fn with it. A
// missing connection is established first unless the backoff window is still
// open, in which case a BackoffError is returned without touching the
// network. Access is serialized per router.
func (p *Pool) WithConnection(ctx context.Context, name string, fn func(Conn) error) error {
	e, err := p.entry(name)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		now := p.now()
		if now.Before(e.nextAttempt) {
			return &BackoffError{NextAttempt: e.nextAttempt}
		}
		e.state = Connecting
		conn, err := e.dial(ctx)
		if err != nil {
			e.state = Broken
			return err
		}
		e.conn = conn
		e.state = Authenticated
		level.Debug(p.logger).Log("msg", "connection established", "router", name)
	}

	return fn(e.conn)
}

// ReportSuccess resets the router's error tracking after a successful tick.
func (p *Pool) ReportSuccess(name string) {
	e, err := p.entry(name)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveErrors = 0
	e.nextAttempt = time.Time{}
	e.curve.Reset()
}

// ReportFailure drops the router's connection, bumps the consecutive error
// count and opens the next backoff window.
func (p *Pool) ReportFailure(name string, cause error) {
	e, err := p.entry(name)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	e.state = Broken
	e.consecutiveErrors++
	delay := p.delay(e)
	e.nextAttempt = p.now().Add(delay)
	level.Warn(p.logger).Log("msg", "router failure", "router", name,
		"consecutive_errors", e.consecutiveErrors, "retry_in", delay, "err", cause)
}

// delay computes min(base*2^(n-1), cap) off the curve, applies the jitter
// band and clamps back to the cap. Caller holds e.mu.
func (p *Pool) delay(e *entry) time.Duration {
	nominal := e.curve.Duration()
	d := time.Duration(float64(nominal) * (1 - backoffJitter + 2*backoffJitter*p.jitter()))
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

// ConsecutiveErrors returns the router's current error streak.
func (p *Pool) ConsecutiveErrors(name string) int {
	e, err := p.entry(name)
	if err != nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consecutiveErrors
}

// Size reports the number of registered routers.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Active reports the number of live authenticated connections.
func (p *Pool) Active() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, e := range p.entries {
		e.mu.Lock()
		if e.conn != nil && e.state == Authenticated {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// Statuses returns the per-router health view, sorted by name.
func (p *Pool) Statuses() []RouterStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]RouterStatus, 0, len(p.entries))
	for name, e := range p.entries {
		e.mu.Lock()
		out = append(out, RouterStatus{Name: name, ConsecutiveErrors: e.consecutiveErrors})
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close drops every live connection. Used on shutdown after the schedulers
// have stopped.
func (p *Pool) Close() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for name, e := range p.entries {
		e.mu.Lock()
		if e.conn != nil {
			e.conn.Close()
			e.conn = nil
			e.state = Disconnected
			level.Debug(p.logger).Log("msg", "connection closed", "router", name)
		}
		e.mu.Unlock()
	}
}

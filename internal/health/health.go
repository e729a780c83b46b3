// Package health implements the Health Monitor (C9): a ticker-driven probe
// loop per configured interval, issuing heartbeat on each online client's
// connection and tracking a grace period plus consecutive-failure
// threshold before flipping a client offline. The per-uuid state owned by a
// single probe loop, with reset_health as the only cross-task mutator,
// mirrors the teacher's own supervisor goroutine shape (internal/supervisor)
// generalized from a fixed worker set to one entry per connected agent.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/reach-sh/reach/internal/protocol"
)

// Caller performs the heartbeat RPC against a given identity, implemented
// by internal/pool.Pool.Call in production.
type Caller interface {
	Call(ctx context.Context, uuid string, req *protocol.Request) (*protocol.Response, error)
}

// OfflineNotifier is told when a client crosses the failure threshold,
// implemented by internal/registry.Registry.Disconnect in production.
type OfflineNotifier interface {
	Disconnect(uuid string)
}

type probeState struct {
	graceDeadline      time.Time
	consecutiveFailures int
}

// Monitor runs one probe loop across every registered identity.
type Monitor struct {
	Interval         time.Duration
	FailureThreshold int
	GracePeriod      time.Duration

	Pool     Caller
	Notifier OfflineNotifier

	mu     sync.Mutex
	states map[string]*probeState

	reqID atomicCounter
}

// defaultInterval/defaultFailureThreshold (and New's GracePeriod of one
// Interval) match DESIGN.md's resolution
// of spec.md §9's open question: 3 consecutive misses at a 15s interval,
// with a full interval of grace after (re)registration.
const (
	defaultInterval         = 15 * time.Second
	defaultFailureThreshold = 3
)

// New returns a Monitor ready to track identities as they're Reset into it.
// GracePeriod is set to one Interval; callers may change the field
// afterwards.
func New(pool Caller, notifier OfflineNotifier, interval time.Duration, threshold int) *Monitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	return &Monitor{
		Interval:         interval,
		FailureThreshold: threshold,
		GracePeriod:      interval,
		Pool:             pool,
		Notifier:         notifier,
		states:           make(map[string]*probeState),
	}
}

// Reset zeros the failure counter for uuid and re-arms its grace period —
// called by the Registry before a new Connection becomes visible (see
// registry.Registry.Connect), and strictly-happens-before that publish.
func (m *Monitor) Reset(uuid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[uuid] = &probeState{
		graceDeadline: time.Now().Add(m.GracePeriod),
	}
}

// Forget removes uuid's probe state entirely, e.g. on an operator-initiated
// removal rather than a failed heartbeat.
func (m *Monitor) Forget(uuid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, uuid)
}

// IsOnline reports whether uuid currently has probe state and has not
// crossed the failure threshold.
func (m *Monitor) IsOnline(uuid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[uuid]
	if !ok {
		return false
	}
	return st.consecutiveFailures < m.FailureThreshold
}

// Run drives the probe loop until ctx is cancelled, checking in at Interval.
// Every probe round completes (or is abandoned) within one interval, so
// shutdown is always interruptible within that bound.
func (m *Monitor) Run(ctx context.Context, knownUUIDs func() []string) {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeRound(ctx, knownUUIDs())
		}
	}
}

func (m *Monitor) probeRound(ctx context.Context, uuids []string) {
	var wg sync.WaitGroup
	for _, uuid := range uuids {
		uuid := uuid
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.probeOne(ctx, uuid)
		}()
	}
	wg.Wait()
}

func (m *Monitor) probeOne(ctx context.Context, uuid string) {
	m.mu.Lock()
	st, ok := m.states[uuid]
	if !ok {
		m.mu.Unlock()
		return
	}
	inGrace := time.Now().Before(st.graceDeadline)
	m.mu.Unlock()
	if inGrace {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, m.Interval)
	defer cancel()

	id := fmt.Sprintf("health-%s-%d", uuid, m.reqID.next())
	resp, err := m.Pool.Call(callCtx, uuid, &protocol.Request{ID: id, Method: "heartbeat"})
	failed := err != nil || (resp != nil && resp.Error != nil)

	m.mu.Lock()
	st, ok = m.states[uuid]
	if !ok {
		m.mu.Unlock()
		return
	}
	if failed {
		st.consecutiveFailures++
	} else {
		st.consecutiveFailures = 0
	}
	crossed := st.consecutiveFailures == m.FailureThreshold
	m.mu.Unlock()

	if crossed && m.Notifier != nil {
		m.Notifier.Disconnect(uuid)
	}
}

// atomicCounter is a minimal monotonically increasing counter used only to
// give each heartbeat call a distinct request id; it does not need to
// survive restarts.
type atomicCounter struct {
	mu sync.Mutex
	n  uint64
}

func (c *atomicCounter) next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

// Package sink routes notification deliveries to transport implementations
// keyed by the scheme of the target URL, and fans a notification out to a
// rule's targets with an independent timeout per target.
package sink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/YoRyan/mailrise/internal/notify"
)

// defaultTimeout bounds a single target delivery when the mux is created
// without an explicit timeout.
const defaultTimeout = 30 * time.Second

// Mux dispatches notifications to registered sinks based on target scheme.
// Register all sinks before first use; Notify may be called concurrently.
type Mux struct {
	timeout time.Duration
	sinks   map[string]notify.Sink
}

// NewMux creates a Mux applying the given per-target delivery timeout.
// A non-positive timeout selects the default.
func NewMux(timeout time.Duration) *Mux {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Mux{
		timeout: timeout,
		sinks:   make(map[string]notify.Sink),
	}
}

// Register routes targets with the given URL scheme to s.
func (m *Mux) Register(scheme string, s notify.Sink) {
	m.sinks[strings.ToLower(scheme)] = s
}

// Validate reports whether target names a registered scheme. Configuration
// loading uses it to reject unusable targets before the server starts.
func (m *Mux) Validate(target string) error {
	if _, err := m.lookup(target); err != nil {
		return err
	}
	return nil
}

func (m *Mux) lookup(target string) (notify.Sink, error) {
	scheme, _, ok := strings.Cut(target, "://")
	if !ok {
		return nil, fmt.Errorf("target %q: missing scheme", target)
	}
	s, ok := m.sinks[strings.ToLower(scheme)]
	if !ok {
		return nil, fmt.Errorf("target %q: unknown scheme %q", target, scheme)
	}
	return s, nil
}

// Notify delivers n to every target concurrently and returns one result per
// target, in target order. Each delivery runs under its own timeout so a
// stalled transport cannot hold up the others beyond that bound.
func (m *Mux) Notify(ctx context.Context, targets []string, n *notify.Notification) []notify.TargetResult {
	results := make([]notify.TargetResult, len(targets))

	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			results[i] = notify.TargetResult{
				Target: target,
				Err:    m.notifyOne(ctx, target, n),
			}
		}(i, target)
	}
	wg.Wait()

	return results
}

func (m *Mux) notifyOne(ctx context.Context, target string, n *notify.Notification) error {
	s, err := m.lookup(target)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := s.Notify(ctx, target, n); err != nil {
		return fmt.Errorf("%s delivery failed: %w", s.Name(), err)
	}
	return nil
}

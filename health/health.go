// Package health tracks whether the service's dependencies are reachable.
// Handlers ask the Monitor on demand; background watchers subscribe to
// status changes.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basit/qrshare-backend/backoff"
)

// ReadinessCheck is a dependency the service cannot work without.
type ReadinessCheck interface {
	IsReady(ctx context.Context) error
	Name() string
}

type funcCheck struct {
	name string
	fn   func(context.Context) error
}

func (f funcCheck) IsReady(ctx context.Context) error { return f.fn(ctx) }
func (f funcCheck) Name() string                      { return f.name }

// Func adapts a ping function into a ReadinessCheck.
func Func(name string, fn func(context.Context) error) ReadinessCheck {
	return funcCheck{name: name, fn: fn}
}

type retrying struct {
	ReadinessCheck
	policy backoff.Policy
}

func (r retrying) IsReady(ctx context.Context) error {
	return backoff.Do(ctx, r.policy, r.ReadinessCheck.IsReady)
}

// Retrying retries c with p before declaring it down.
func Retrying(c ReadinessCheck, p backoff.Policy) ReadinessCheck {
	return retrying{ReadinessCheck: c, policy: p}
}

type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

type CheckResult struct {
	Name    string        `json:"name"`
	Status  Status        `json:"status"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latencyNs"`
}

type Report struct {
	Status    Status        `json:"status"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checkedAt"`
}

func (r Report) Ready() bool { return r.Status == StatusUp }

// Monitor runs the readiness checks and remembers the last outcome.
type Monitor struct {
	checks  []ReadinessCheck
	timeout time.Duration
	log     *slog.Logger

	mu   sync.Mutex
	last *Report
	subs map[chan Report]struct{}
}

func NewMonitor(log *slog.Logger, timeout time.Duration, checks ...ReadinessCheck) *Monitor {
	return &Monitor{
		checks:  checks,
		timeout: timeout,
		log:     log.With("component", "health"),
		subs:    map[chan Report]struct{}{},
	}
}

// Check runs every check now, records the report and tells subscribers when
// the overall status changed.
func (m *Monitor) Check(ctx context.Context) Report {
	results := make([]CheckResult, len(m.checks))
	var wg sync.WaitGroup
	for i, c := range m.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = m.run(ctx, c)
		}()
	}
	wg.Wait()

	report := Report{Status: StatusUp, Checks: results, CheckedAt: time.Now().UTC()}
	for _, r := range results {
		if r.Status == StatusDown {
			report.Status = StatusDown
			break
		}
	}
	m.record(report)
	return report
}

func (m *Monitor) run(ctx context.Context, c ReadinessCheck) CheckResult {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	start := time.Now()
	err := c.IsReady(ctx)
	res := CheckResult{Name: c.Name(), Status: StatusUp, Latency: time.Since(start)}
	if err != nil {
		res.Status = StatusDown
		res.Error = err.Error()
	}
	return res
}

func (m *Monitor) record(report Report) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := m.last == nil || m.last.Status != report.Status
	m.last = &report
	if !changed {
		return
	}
	if report.Ready() {
		m.log.Info("dependencies ready")
	} else {
		m.log.Warn("dependencies unavailable", "checks", report.Checks)
	}
	for ch := range m.subs {
		select {
		case ch <- report:
		default:
		}
	}
}

// Last returns the most recent report, if any check has run.
func (m *Monitor) Last() (Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Report{}, false
	}
	return *m.last, true
}

// Subscribe delivers reports whenever the overall status changes. Slow
// readers miss updates rather than block the monitor.
func (m *Monitor) Subscribe() (<-chan Report, func()) {
	ch := make(chan Report, 1)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, ch)
			m.mu.Unlock()
		})
	}
}

// Run checks every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	m.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

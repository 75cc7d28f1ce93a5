// Package collector runs a fetch on a fixed interval and reports the mean of every
// amount readings to a callback until cancelled.
package collector

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"libresync/internal/domain"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DegradedAfter is the number of consecutive failed ticks that marks a collector degraded.
const DegradedAfter = 3

type State int32

const (
	Idle State = iota
	Collecting
	Reporting
	Degraded
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Collecting:
		return "collecting"
	case Reporting:
		return "reporting"
	case Degraded:
		return "degraded"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// FetchFunc returns the provider's current reading and history.
type FetchFunc func(ctx context.Context) (domain.FetchResult, error)

// AverageFunc receives the averaged reading, the window it was computed from and the
// history of the fetch that completed the window.
type AverageFunc func(average domain.Reading, window []domain.Reading, history []domain.Reading)

// Observer is notified of every state transition.
type Observer interface {
	ObserveCollectorState(state State)
}

type Collector struct {
	log      *zap.SugaredLogger
	fetch    FetchFunc
	observer Observer

	// beforeReport runs once a report has passed its cancellation check.
	beforeReport func()
}

type Option func(*Collector)

func WithObserver(o Observer) Option {
	return func(c *Collector) {
		c.observer = o
	}
}

func New(log *zap.SugaredLogger, fetch FetchFunc, opts ...Option) *Collector {
	c := &Collector{
		log:   log.With("component", "collector"),
		fetch: fetch,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status is a snapshot of a running collector.
type Status struct {
	State               State     `json:"state"`
	Degraded            bool      `json:"degraded"`
	Amount              int       `json:"amount"`
	Interval            string    `json:"interval"`
	Window              int       `json:"window"`
	Reports             int       `json:"reports"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastAverage         *float64  `json:"lastAverage,omitempty"`
	LastReportAt        time.Time `json:"lastReportAt,omitempty"`
	LastError           string    `json:"lastError,omitempty"`
}

// Handle controls one running collection loop.
type Handle struct {
	log          *zap.SugaredLogger
	fetch        FetchFunc
	observer     Observer
	amount       int
	interval     time.Duration
	onAverage    AverageFunc
	beforeReport func()

	state     atomic.Int32
	cancelled atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}

	// reportMu is held from the cancellation check until the callback returns.
	reportMu  sync.Mutex
	reporting atomic.Bool

	mu       sync.Mutex
	window   []domain.Reading
	lastKey  time.Time
	failures int
	reports  int
	last     *float64
	lastAt   time.Time
	lastErr  string
}

// Start begins collecting on its own goroutine. Ticks are served one at a time; a tick
// that fires while a fetch is in flight is skipped. A current reading already counted is
// not counted again.
func (c *Collector) Start(amount int, interval time.Duration, onAverage AverageFunc) (*Handle, error) {
	if amount <= 0 {
		return nil, errors.Errorf("amount must be positive, got %d", amount)
	}
	if interval <= 0 {
		return nil, errors.Errorf("interval must be positive, got %s", interval)
	}
	if onAverage == nil {
		return nil, errors.New("onAverage callback is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		log:          c.log.With("amount", amount, "interval", interval),
		fetch:        c.fetch,
		observer:     c.observer,
		amount:       amount,
		interval:     interval,
		onAverage:    onAverage,
		beforeReport: c.beforeReport,
		cancel:       cancel,
		done:         make(chan struct{}),
		window:       make([]domain.Reading, 0, amount),
	}
	if h.observer != nil {
		h.observer.ObserveCollectorState(Idle)
	}

	go h.run(ctx)

	h.log.Infow("collector started")
	return h, nil
}

// Cancel stops the loop. No callback starts once Cancel has returned, and a fetch in flight
// is discarded. Called from another goroutine, Cancel waits for a callback that was about
// to start. Cancel is safe to call more than once and from inside the callback.
func (h *Handle) Cancel() {
	if h.cancelled.Swap(true) {
		return
	}
	h.cancel()
	h.setState(Cancelled)

	if !h.reporting.Load() {
		h.reportMu.Lock()
		h.reportMu.Unlock()
	}
	h.log.Infow("collector cancelled")
}

// Done is closed when the loop goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the loop goroutine has exited.
func (h *Handle) Wait() {
	<-h.done
}

func (h *Handle) State() State {
	return State(h.state.Load())
}

// Window returns a copy of the readings collected towards the next report.
func (h *Handle) Window() []domain.Reading {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.Reading(nil), h.window...)
}

func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	state := h.State()
	return Status{
		State:               state,
		Degraded:            state == Degraded,
		Amount:              h.amount,
		Interval:            h.interval.String(),
		Window:              len(h.window),
		Reports:             h.reports,
		ConsecutiveFailures: h.failures,
		LastAverage:         h.last,
		LastReportAt:        h.lastAt,
		LastError:           h.lastErr,
	}
}

func (h *Handle) run(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick(ctx)

			// drop the tick that queued up while fetching
			select {
			case <-ticker.C:
				h.log.Debugw("skipped tick, fetch still in flight")
			default:
			}
		}
	}
}

func (h *Handle) tick(ctx context.Context) {
	res, err := h.fetch(ctx)
	if h.cancelled.Load() {
		return
	}

	if err != nil {
		h.fail(err)
		return
	}

	h.mu.Lock()
	h.failures = 0
	h.lastErr = ""
	key := res.Current.DedupKey()
	if !h.lastKey.IsZero() && key.Equal(h.lastKey) {
		empty := len(h.window) == 0
		h.mu.Unlock()
		h.log.Debugw("current reading unchanged", "timestamp", key)
		if empty {
			h.setState(Idle)
		} else {
			h.setState(Collecting)
		}
		return
	}
	h.lastKey = key
	h.window = append(h.window, res.Current)
	if len(h.window) < h.amount {
		h.mu.Unlock()
		h.setState(Collecting)
		return
	}
	window := h.window
	h.window = make([]domain.Reading, 0, h.amount)
	h.mu.Unlock()

	average := Average(window)

	h.setState(Reporting)
	if !h.report(average, window, res.History) {
		return
	}

	h.mu.Lock()
	h.reports++
	h.last = &average.Value
	h.lastAt = average.Timestamp
	h.mu.Unlock()

	h.log.Infow("reported average", "average", average.Value, "trend", average.Trend)
	h.setState(Idle)
}

func (h *Handle) report(average domain.Reading, window, history []domain.Reading) bool {
	h.reportMu.Lock()
	defer h.reportMu.Unlock()

	if h.cancelled.Load() {
		return false
	}
	if h.beforeReport != nil {
		h.beforeReport()
	}

	h.reporting.Store(true)
	defer h.reporting.Store(false)
	h.onAverage(average, window, history)
	return true
}

func (h *Handle) fail(err error) {
	h.mu.Lock()
	h.failures++
	failures := h.failures
	h.lastErr = err.Error()
	empty := len(h.window) == 0
	h.mu.Unlock()

	h.log.Warnw("collector fetch failed", "error", err, "consecutiveFailures", failures)

	switch {
	case failures >= DegradedAfter:
		if h.State() != Degraded {
			h.log.Errorw("collector degraded", "consecutiveFailures", failures)
		}
		h.setState(Degraded)
	case empty:
		h.setState(Idle)
	default:
		h.setState(Collecting)
	}
}

// setState moves to s unless the handle is already there or cancelled.
func (h *Handle) setState(s State) {
	for {
		cur := State(h.state.Load())
		if cur == s || cur == Cancelled {
			return
		}
		if h.state.CompareAndSwap(int32(cur), int32(s)) {
			break
		}
	}
	if h.observer != nil {
		h.observer.ObserveCollectorState(s)
	}
}

// Average returns a reading carrying the mean value of readings, the rounded mean of their
// computable trends, and the flags and timestamp of the last reading.
func Average(readings []domain.Reading) domain.Reading {
	if len(readings) == 0 {
		return domain.Reading{Trend: domain.TrendNotComputable}
	}

	var sum, trendSum float64
	var trends int
	for _, r := range readings {
		sum += r.Value
		if i, ok := trendIndex(r.Trend); ok {
			trendSum += float64(i)
			trends++
		}
	}

	last := readings[len(readings)-1]
	avg := domain.Reading{
		Value:     sum / float64(len(readings)),
		Trend:     domain.TrendNotComputable,
		IsHigh:    last.IsHigh,
		IsLow:     last.IsLow,
		Timestamp: last.Timestamp,
	}
	if trends > 0 {
		i := int(math.Round(trendSum / float64(trends)))
		if i < 1 {
			i = 1
		}
		if i > len(domain.TrendScale)-2 {
			i = len(domain.TrendScale) - 2
		}
		avg.Trend = domain.TrendScale[i]
	}
	return avg
}

func trendIndex(t domain.Trend) (int, bool) {
	if t == domain.TrendNotComputable {
		return 0, false
	}
	for i, s := range domain.TrendScale {
		if s == t {
			return i, true
		}
	}
	return 0, false
}

// Package dwell measures wall-clock time spent per logical route and
// reports it on a fixed cadence and at lifecycle boundaries. It is
// independent of the chat subsystem.
package dwell

import (
	"log/slog"
	"sync"
	"time"

	"streamchat/internal/metrics"
)

// Sink receives flushed dwell intervals.
type Sink interface {
	Record(route string, elapsed time.Duration)
}

// Config configures a Clock.
type Config struct {
	// Interval between periodic flushes. Default 30s.
	Interval time.Duration

	// Route returns the current logical route. Required.
	Route func() string

	// Subscribe registers a route-change callback with the host router
	// and returns an unsubscribe function. Optional; hosts may instead
	// call RouteChanged themselves.
	Subscribe func(onChange func()) (unsubscribe func())

	Sink   Sink
	Logger *slog.Logger

	// Now is a clock hook for tests. Defaults to time.Now.
	Now func() time.Time
}

// Clock accumulates dwell time for the active route. A flush emits the
// elapsed interval and resets the accumulation point; zero or negative
// intervals are suppressed, never emitted.
type Clock struct {
	interval time.Duration
	route    func() string
	sink     Sink
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	current     string
	start       time.Time
	running     bool
	stop        chan struct{}
	unsubscribe func()
}

// NewClock creates a Clock in the paused state; call Start.
func NewClock(cfg Config) *Clock {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Clock{
		interval: cfg.Interval,
		route:    cfg.Route,
		sink:     cfg.Sink,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if cfg.Subscribe != nil {
		c.unsubscribe = cfg.Subscribe(c.RouteChanged)
	}
	return c
}

// Start begins tracking the current route and arms the periodic flush.
func (c *Clock) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.current = c.route()
	c.start = c.now()
	c.armLocked()
}

// Resume re-arms the timer after a Pause, restarting the interval from now.
func (c *Clock) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.start = c.now()
	c.armLocked()
}

func (c *Clock) armLocked() {
	c.running = true
	c.stop = make(chan struct{})
	go c.tickLoop(c.stop)
}

// tickLoop runs the repeating timer; each fire flushes the interval since
// the last reset point. The ticker keeps its own cadence: a flush does not
// restart it.
func (c *Clock) tickLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.flushLocked()
			c.mu.Unlock()
		}
	}
}

// flushLocked emits the elapsed interval for the current route and resets
// the accumulation point. Non-positive intervals are dropped.
func (c *Clock) flushLocked() {
	nowT := c.now()
	elapsed := nowT.Sub(c.start)
	if elapsed > 0 && c.sink != nil {
		c.sink.Record(c.current, elapsed)
		metrics.DwellFlushes.Inc()
	}
	c.start = nowT
}

// RouteChanged tells the clock the host route may have moved. A genuine
// change flushes the previous route's interval and starts accumulating for
// the new one; an unchanged route emits nothing.
func (c *Clock) RouteChanged() {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.route()
	if next == c.current {
		return
	}
	nowT := c.now()
	elapsed := nowT.Sub(c.start)
	if elapsed > 0 && c.sink != nil {
		c.sink.Record(c.current, elapsed)
		metrics.DwellFlushes.Inc()
	}
	c.current = next
	c.start = nowT
}

// Pause flushes the open interval and disarms the timer.
func (c *Clock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.flushLocked()
	close(c.stop)
	c.running = false
}

// Destroy flushes once more, disarms the timer, and releases the
// route-change subscription if one was registered.
func (c *Clock) Destroy() {
	c.mu.Lock()
	c.flushLocked()
	if c.running {
		close(c.stop)
		c.running = false
	}
	unsub := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

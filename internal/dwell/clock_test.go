package dwell

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// fakeNow is a controllable clock.
type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeNow() *fakeNow {
	return &fakeNow{t: time.Unix(1_700_000_000, 0)}
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

// captureSink records every flush.
type captureSink struct {
	mu      sync.Mutex
	records []record
}

type record struct {
	route   string
	elapsed time.Duration
}

func (c *captureSink) Record(route string, elapsed time.Duration) {
	c.mu.Lock()
	c.records = append(c.records, record{route, elapsed})
	c.mu.Unlock()
}

func (c *captureSink) all() []record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]record(nil), c.records...)
}

type routeHolder struct {
	mu sync.Mutex
	r  string
}

func (h *routeHolder) get() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.r
}

func (h *routeHolder) set(r string) {
	h.mu.Lock()
	h.r = r
	h.mu.Unlock()
}

func newTestClock(interval time.Duration) (*Clock, *fakeNow, *captureSink, *routeHolder) {
	now := newFakeNow()
	sink := &captureSink{}
	route := &routeHolder{r: "/dashboard"}
	c := NewClock(Config{
		Interval: interval,
		Route:    route.get,
		Sink:     sink,
		Logger:   testLogger(),
		Now:      now.Now,
	})
	return c, now, sink, route
}

func TestPause_FlushesExactElapsed(t *testing.T) {
	c, now, sink, _ := newTestClock(time.Hour)
	c.Start()
	defer c.Destroy()

	now.Advance(3 * time.Second)
	c.Pause()

	recs := sink.all()
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %v", recs)
	}
	if recs[0].route != "/dashboard" || recs[0].elapsed != 3*time.Second {
		t.Errorf("got %+v", recs[0])
	}
}

func TestPause_SuppressesZeroElapsed(t *testing.T) {
	c, _, sink, _ := newTestClock(time.Hour)
	c.Start()
	defer c.Destroy()

	c.Pause() // clock never advanced

	if recs := sink.all(); len(recs) != 0 {
		t.Errorf("zero elapsed must not be emitted, got %v", recs)
	}
}

func TestRouteChanged_EmitsForPreviousRoute(t *testing.T) {
	c, now, sink, route := newTestClock(time.Hour)
	c.Start()
	defer c.Destroy()

	now.Advance(5 * time.Second)
	route.set("/reports")
	c.RouteChanged()

	recs := sink.all()
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %v", recs)
	}
	// The emission carries the elapsed time of the route being left.
	if recs[0].route != "/dashboard" || recs[0].elapsed != 5*time.Second {
		t.Errorf("got %+v", recs[0])
	}

	now.Advance(2 * time.Second)
	c.Pause()
	recs = sink.all()
	if len(recs) != 2 || recs[1].route != "/reports" || recs[1].elapsed != 2*time.Second {
		t.Errorf("got %+v", recs)
	}
}

func TestRouteChanged_SameRouteEmitsNothing(t *testing.T) {
	c, now, sink, _ := newTestClock(time.Hour)
	c.Start()
	defer c.Destroy()

	now.Advance(5 * time.Second)
	c.RouteChanged() // route accessor still returns /dashboard

	if recs := sink.all(); len(recs) != 0 {
		t.Errorf("unchanged route must emit nothing, got %v", recs)
	}
}

func TestTicker_FlushesAndResets(t *testing.T) {
	c, now, sink, _ := newTestClock(20 * time.Millisecond)
	c.Start()
	defer c.Destroy()

	now.Advance(time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for len(sink.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	recs := sink.all()
	if len(recs) == 0 {
		t.Fatal("ticker never flushed")
	}
	if recs[0].elapsed != time.Second {
		t.Errorf("first flush: got %v", recs[0].elapsed)
	}
	// After a flush the accumulation point resets; with a frozen clock
	// subsequent ticks have zero elapsed and stay silent.
	count := len(sink.all())
	time.Sleep(60 * time.Millisecond)
	if got := len(sink.all()); got != count {
		t.Errorf("ticks with zero elapsed must not emit: %d -> %d", count, got)
	}
}

func TestPause_StopsTicker(t *testing.T) {
	c, now, sink, _ := newTestClock(10 * time.Millisecond)
	c.Start()

	now.Advance(time.Second)
	c.Pause()
	count := len(sink.all())

	now.Advance(time.Second)
	time.Sleep(50 * time.Millisecond)
	if got := len(sink.all()); got != count {
		t.Errorf("paused clock must not flush: %d -> %d", count, got)
	}

	// Resume restarts the interval from now.
	c.Resume()
	now.Advance(500 * time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for len(sink.all()) == count && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	recs := sink.all()
	if len(recs) == count {
		t.Fatal("resumed clock never flushed")
	}
	if recs[len(recs)-1].elapsed != 500*time.Millisecond {
		t.Errorf("post-resume flush: got %v", recs[len(recs)-1].elapsed)
	}
	c.Destroy()
}

func TestDestroy_ReleasesSubscription(t *testing.T) {
	now := newFakeNow()
	sink := &captureSink{}
	released := false
	c := NewClock(Config{
		Interval: time.Hour,
		Route:    func() string { return "/a" },
		Subscribe: func(onChange func()) func() {
			return func() { released = true }
		},
		Sink:   sink,
		Logger: testLogger(),
		Now:    now.Now,
	})
	c.Start()

	now.Advance(time.Second)
	c.Destroy()

	if !released {
		t.Error("destroy must release the route subscription")
	}
	recs := sink.all()
	if len(recs) != 1 || recs[0].elapsed != time.Second {
		t.Errorf("destroy should flush once: %v", recs)
	}
}

func TestSQLiteSink_RecordAndTotals(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "dwell.db")
	sink, err := NewSQLiteSink(dbPath, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	sink.Record("/dashboard", 3*time.Second)
	sink.Record("/dashboard", 2*time.Second)
	sink.Record("/reports", 7*time.Second)

	totals, err := sink.TotalsByRoute()
	if err != nil {
		t.Fatal(err)
	}
	if totals["/dashboard"] != 5 {
		t.Errorf("/dashboard: got %v", totals["/dashboard"])
	}
	if totals["/reports"] != 7 {
		t.Errorf("/reports: got %v", totals["/reports"])
	}
}

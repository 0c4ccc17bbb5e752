package heartbeat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Set(d time.Duration) {
	f.mu.Lock()
	f.now = t0.Add(d)
	f.mu.Unlock()
}

// seq returns a fetcher that yields values in order, repeating the last one.
func seq(calls *int32, values ...string) Fetcher[string] {
	return func(context.Context) (string, error) {
		n := atomic.AddInt32(calls, 1)
		if int(n) > len(values) {
			return values[len(values)-1], nil
		}
		return values[n-1], nil
	}
}

var errUpstream = errors.New("upstream unavailable")

func TestGetColdStartTriggersRefresh(t *testing.T) {
	g := NewWithT(t)
	var calls int32
	c := New(seq(&calls, "A"), Options{TTL: time.Minute})

	e := c.Get(true)
	g.Expect(e.HasValue).To(BeFalse())
	g.Expect(e.Refreshing).To(BeTrue())

	g.Eventually(func() string { return c.Get(false).Value }, time.Second, 5*time.Millisecond).Should(Equal("A"))
	g.Expect(atomic.LoadInt32(&calls)).To(BeEquivalentTo(1))
}

func TestGetWithoutTriggerNeverFetches(t *testing.T) {
	g := NewWithT(t)
	var calls int32
	c := New(seq(&calls, "A"), Options{})

	for i := 0; i < 10; i++ {
		g.Expect(c.Get(false).HasValue).To(BeFalse())
	}
	g.Consistently(func() int32 { return atomic.LoadInt32(&calls) }, 50*time.Millisecond).Should(BeZero())
}

func TestSingleFlight(t *testing.T) {
	g := NewWithT(t)
	var calls int32
	release := make(chan struct{})
	c := New(func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "A", nil
	}, Options{TTL: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Get(true)
		}()
	}
	wg.Wait()

	g.Eventually(func() int32 { return atomic.LoadInt32(&calls) }, time.Second, 5*time.Millisecond).Should(BeEquivalentTo(1))
	g.Consistently(func() int32 { return atomic.LoadInt32(&calls) }, 50*time.Millisecond).Should(BeEquivalentTo(1))
	g.Expect(c.Stats().Started).To(BeEquivalentTo(1))

	close(release)
	g.Eventually(func() bool { return c.Get(false).HasValue }, time.Second, 5*time.Millisecond).Should(BeTrue())
}

func TestForceRefreshJoinsInflight(t *testing.T) {
	g := NewWithT(t)
	var calls int32
	release := make(chan struct{})
	c := New(func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "A", nil
	}, Options{TTL: time.Minute})

	c.Get(true)

	entries := make(chan Entry[string], 5)
	for i := 0; i < 5; i++ {
		go func() { entries <- c.ForceRefresh(context.Background()) }()
	}
	g.Consistently(entries, 50*time.Millisecond).ShouldNot(Receive())
	close(release)

	for i := 0; i < 5; i++ {
		var e Entry[string]
		g.Eventually(entries, time.Second).Should(Receive(&e))
		g.Expect(e.Value).To(Equal("A"))
		g.Expect(e.Refreshing).To(BeFalse())
	}
	g.Expect(atomic.LoadInt32(&calls)).To(BeEquivalentTo(1))
}

func TestHeartbeatRateLimit(t *testing.T) {
	g := NewWithT(t)
	clock := newFakeClock()
	var calls int32
	c := New(seq(&calls, "A", "B"), Options{TTL: 0, MinHeartbeat: 5 * time.Second}, WithClock(clock.Now))

	e := c.ForceRefresh(context.Background())
	g.Expect(e.Value).To(Equal("A"))
	g.Expect(e.UpdatedAt).To(Equal(t0))

	for _, d := range []time.Duration{0, time.Millisecond, time.Second, 4999 * time.Millisecond} {
		clock.Set(d)
		for i := 0; i < 20; i++ {
			g.Expect(c.Get(true).Refreshing).To(BeFalse())
		}
	}
	g.Expect(c.Stats().Started).To(BeEquivalentTo(1))

	clock.Set(5 * time.Second)
	g.Expect(c.Get(true).Refreshing).To(BeTrue())
	g.Eventually(func() string { return c.Get(false).Value }, time.Second, 5*time.Millisecond).Should(Equal("B"))
	g.Expect(atomic.LoadInt32(&calls)).To(BeEquivalentTo(2))
}

func TestFreshness(t *testing.T) {
	g := NewWithT(t)
	clock := newFakeClock()
	var calls int32
	c := New(seq(&calls, "A", "B"), Options{TTL: time.Second}, WithClock(clock.Now))
	c.ForceRefresh(context.Background())

	clock.Set(500 * time.Millisecond)
	e := c.Get(true)
	g.Expect(e.StaleAt).To(Equal(t0.Add(time.Second)))
	g.Expect(e.Refreshing).To(BeFalse())
	g.Expect(e.Stale(clock.Now())).To(BeFalse())
	g.Expect(c.Stats().Started).To(BeEquivalentTo(1))

	clock.Set(1001 * time.Millisecond)
	e = c.Get(true)
	g.Expect(e.Value).To(Equal("A"))
	g.Expect(e.Refreshing).To(BeTrue())
	g.Expect(c.Stats().Started).To(BeEquivalentTo(2))
}

func TestFailureIsAbsorbed(t *testing.T) {
	g := NewWithT(t)
	c := New(func(context.Context) (string, error) {
		return "", errUpstream
	}, Options{TTL: time.Minute})

	e := c.ForceRefresh(context.Background())
	g.Expect(e.HasValue).To(BeFalse())
	g.Expect(e.Refreshing).To(BeFalse())
	g.Expect(errors.Is(e.LastError, errUpstream)).To(BeTrue())

	var fe *FetchError
	g.Expect(errors.As(e.LastError, &fe)).To(BeTrue())
	g.Expect(c.Stats()).To(Equal(Stats{Started: 1, Failed: 1}))
}

func TestStaleServedAfterFailure(t *testing.T) {
	g := NewWithT(t)
	clock := newFakeClock()
	var fail atomic.Bool
	c := New(func(context.Context) (string, error) {
		if fail.Load() {
			return "", errUpstream
		}
		return "v1", nil
	}, Options{TTL: 500 * time.Millisecond}, WithClock(clock.Now))

	c.ForceRefresh(context.Background())
	fail.Store(true)

	clock.Set(time.Second)
	e := c.ForceRefresh(context.Background())
	g.Expect(errors.Is(e.LastError, errUpstream)).To(BeTrue())

	clock.Set(1001 * time.Millisecond)
	e = c.Get(false)
	g.Expect(e.Value).To(Equal("v1"))
	g.Expect(e.HasValue).To(BeTrue())
	g.Expect(e.UpdatedAt).To(Equal(t0))
	g.Expect(e.StaleAt).To(Equal(t0.Add(500 * time.Millisecond)))
	g.Expect(e.LastError).To(HaveOccurred())
}

func TestSuccessClearsLastError(t *testing.T) {
	g := NewWithT(t)
	var fail atomic.Bool
	fail.Store(true)
	c := New(func(context.Context) (string, error) {
		if fail.Load() {
			return "", errUpstream
		}
		return "ok", nil
	}, Options{})

	g.Expect(c.ForceRefresh(context.Background()).LastError).To(HaveOccurred())
	fail.Store(false)
	e := c.ForceRefresh(context.Background())
	g.Expect(e.LastError).NotTo(HaveOccurred())
	g.Expect(e.Value).To(Equal("ok"))
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	g := NewWithT(t)
	var calls int32
	c := New(func(context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			// Ignores cancellation on purpose.
			time.Sleep(200 * time.Millisecond)
			return "slow", nil
		}
		return "fast", nil
	}, Options{MaxRefresh: 100 * time.Millisecond})

	e := c.ForceRefresh(context.Background())
	g.Expect(e.HasValue).To(BeFalse())
	g.Expect(errors.Is(e.LastError, ErrRefreshTimeout)).To(BeTrue())
	g.Expect(c.Stats().TimedOut).To(BeEquivalentTo(1))

	e = c.ForceRefresh(context.Background())
	g.Expect(e.Value).To(Equal("fast"))

	// The abandoned first call must not overwrite the newer value.
	g.Consistently(func() string { return c.Get(false).Value }, 250*time.Millisecond, 10*time.Millisecond).Should(Equal("fast"))
}

func TestTimeoutCancelsFetchContext(t *testing.T) {
	g := NewWithT(t)
	cancelled := make(chan struct{})
	c := New(func(ctx context.Context) (string, error) {
		<-ctx.Done()
		close(cancelled)
		return "", ctx.Err()
	}, Options{MaxRefresh: 20 * time.Millisecond})

	e := c.ForceRefresh(context.Background())
	g.Expect(errors.Is(e.LastError, ErrRefreshTimeout)).To(BeTrue())
	g.Eventually(cancelled, time.Second).Should(BeClosed())
}

func TestForceRefreshHonoursCallerContext(t *testing.T) {
	g := NewWithT(t)
	release := make(chan struct{})
	c := New(func(context.Context) (string, error) {
		<-release
		return "A", nil
	}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	e := c.ForceRefresh(ctx)
	g.Expect(e.HasValue).To(BeFalse())
	g.Expect(e.Refreshing).To(BeTrue())

	close(release)
	g.Eventually(func() string { return c.Get(false).Value }, time.Second, 5*time.Millisecond).Should(Equal("A"))
}

func TestPanickingFetcherIsRecorded(t *testing.T) {
	g := NewWithT(t)
	c := New(func(context.Context) (string, error) {
		panic("boom")
	}, Options{})

	e := c.ForceRefresh(context.Background())
	g.Expect(e.HasValue).To(BeFalse())
	g.Expect(e.LastError).To(MatchError(ContainSubstring("boom")))
	g.Expect(e.Refreshing).To(BeFalse())
}

func TestTickerScenario(t *testing.T) {
	g := NewWithT(t)
	clock := newFakeClock()
	var calls int32
	release := make(chan struct{})
	c := New(func(context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return "A", nil
		}
		<-release
		return "B", nil
	}, Options{TTL: 3 * time.Second, MinHeartbeat: 1500 * time.Millisecond}, WithClock(clock.Now))

	c.ForceRefresh(context.Background())
	e := c.Get(true)
	g.Expect(e.Value).To(Equal("A"))
	g.Expect(e.StaleAt).To(Equal(t0.Add(3 * time.Second)))

	clock.Set(3100 * time.Millisecond)
	var wg sync.WaitGroup
	got := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got <- c.Get(true).Value
		}()
	}
	wg.Wait()
	close(got)
	for v := range got {
		g.Expect(v).To(Equal("A"))
	}
	g.Eventually(func() int32 { return atomic.LoadInt32(&calls) }, time.Second, 5*time.Millisecond).Should(BeEquivalentTo(2))

	clock.Set(3150 * time.Millisecond)
	close(release)
	g.Eventually(func() string { return c.Get(true).Value }, time.Second, 5*time.Millisecond).Should(Equal("B"))
	e = c.Get(false)
	g.Expect(e.UpdatedAt).To(Equal(t0.Add(3150 * time.Millisecond)))
	g.Expect(atomic.LoadInt32(&calls)).To(BeEquivalentTo(2))
}

func TestDefaultMaxRefresh(t *testing.T) {
	g := NewWithT(t)
	c := New(seq(new(int32), "A"), Options{})
	g.Expect(c.Options().MaxRefresh).To(Equal(DefaultMaxRefresh))
}

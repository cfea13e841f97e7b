package router_test

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"meshcore/internal/identity"
	"meshcore/internal/router"
)

func srcID(b byte) identity.NodeID {
	var id identity.NodeID
	id[0] = b
	return id
}

func TestBurstLimiterDropsAfterTwenty(t *testing.T) {
	clk := clock.NewMock()
	l := router.NewLimiter(router.LimiterOptions{Clock: clk})
	src := srcID(1)

	// 25 messages inside one 5 second burst window.
	var ok, burst int
	for i := 0; i < 25; i++ {
		clk.Add(200 * time.Millisecond)
		switch l.Allow(src) {
		case router.VerdictOK:
			ok++
		case router.VerdictBurst:
			burst++
		default:
			t.Fatalf("message %d: unexpected suspension", i+1)
		}
	}
	if ok != 20 {
		t.Fatalf("accepted %d, want 20", ok)
	}
	if burst != 5 {
		t.Fatalf("burst-dropped %d, want 5", burst)
	}
}

func TestBurstWindowSlides(t *testing.T) {
	clk := clock.NewMock()
	l := router.NewLimiter(router.LimiterOptions{Clock: clk})
	src := srcID(2)

	for i := 0; i < 20; i++ {
		if v := l.Allow(src); v != router.VerdictOK {
			t.Fatalf("message %d: verdict %v", i+1, v)
		}
	}
	if v := l.Allow(src); v != router.VerdictBurst {
		t.Fatalf("21st in window: verdict %v, want burst", v)
	}
	clk.Add(6 * time.Second)
	if v := l.Allow(src); v != router.VerdictOK {
		t.Fatalf("after window slid: verdict %v, want ok", v)
	}
}

func TestSustainedAbuseSuspends(t *testing.T) {
	clk := clock.NewMock()
	l := router.NewLimiter(router.LimiterOptions{Clock: clk})
	src := srcID(3)

	// 3 msgs/sec stays under the burst limit (15 per 5s window) but crosses
	// 100 accepted within a minute.
	var accepted int
	var suspended bool
	for i := 0; i < 200; i++ {
		clk.Add(334 * time.Millisecond)
		switch l.Allow(src) {
		case router.VerdictOK:
			accepted++
		case router.VerdictSuspended:
			suspended = true
		}
		if suspended {
			break
		}
	}
	if !suspended {
		t.Fatal("sustained abuse never suspended")
	}
	if accepted != 100 {
		t.Fatalf("accepted %d before suspension, want 100", accepted)
	}

	// Everything is dropped for the penalty duration.
	if v := l.Allow(src); v != router.VerdictSuspended {
		t.Fatalf("during penalty: verdict %v", v)
	}
	if !l.Suspended(src) {
		t.Fatal("Suspended() = false during penalty")
	}
	clk.Add(5 * time.Minute)
	if v := l.Allow(src); v != router.VerdictSuspended {
		t.Fatalf("5 min into penalty: verdict %v", v)
	}

	// Penalty lapses after 10 minutes and the source starts fresh.
	clk.Add(6 * time.Minute)
	if v := l.Allow(src); v != router.VerdictOK {
		t.Fatalf("after penalty: verdict %v, want ok", v)
	}
}

func TestLimiterSourcesIndependent(t *testing.T) {
	clk := clock.NewMock()
	l := router.NewLimiter(router.LimiterOptions{Clock: clk})

	for i := 0; i < 25; i++ {
		l.Allow(srcID(4))
	}
	if v := l.Allow(srcID(5)); v != router.VerdictOK {
		t.Fatalf("unrelated source penalized: verdict %v", v)
	}
}

func TestLimiterPrune(t *testing.T) {
	clk := clock.NewMock()
	l := router.NewLimiter(router.LimiterOptions{Clock: clk})

	l.Allow(srcID(6))
	clk.Add(30 * time.Minute)
	l.Allow(srcID(7))

	if removed := l.Prune(10 * time.Minute); removed != 1 {
		t.Fatalf("pruned %d, want 1", removed)
	}
}

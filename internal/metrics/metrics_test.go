package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type staticCounts Counts

func (s staticCounts) Counts() Counts { return Counts(s) }

func TestCollector_Collect(t *testing.T) {
	c := NewCollector(staticCounts{Tabs: 3, Users: 2, Links: 1}, time.Minute)
	c.Collect()

	if got := testutil.ToFloat64(TabsActive); got != 3 {
		t.Errorf("TabsActive = %v, want 3", got)
	}
	if got := testutil.ToFloat64(UsersActive); got != 2 {
		t.Errorf("UsersActive = %v, want 2", got)
	}
	if got := testutil.ToFloat64(LinksActive); got != 1 {
		t.Errorf("LinksActive = %v, want 1", got)
	}
}

func TestCollector_StopIdempotent(t *testing.T) {
	c := NewCollector(staticCounts{}, time.Millisecond)
	c.Start()
	time.Sleep(5 * time.Millisecond)
	c.Stop()
	c.Stop()
}

func TestTimerObserveDuration(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_timer_seconds",
		Help: "test",
	})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDuration(h)

	if timer.Duration() < 10*time.Millisecond {
		t.Errorf("Duration() = %v, want >= 10ms", timer.Duration())
	}
	if got := testutil.CollectAndCount(h); got != 1 {
		t.Errorf("histogram series = %d, want 1", got)
	}
}

func TestHandler(t *testing.T) {
	RestartsTotal.Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "bridge_sprite_restarts_total") {
		t.Error("metrics output missing bridge_sprite_restarts_total")
	}
}

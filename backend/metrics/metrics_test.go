package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeStats struct{}

func (fakeStats) Pending() int { return 7 }
func (fakeStats) Busy() int    { return 3 }
func (fakeStats) Workers() int { return 4 }

func TestRecorderCounters(t *testing.T) {
	r := New(fakeStats{})

	r.FrameSent()
	r.FrameSent()
	r.FrameDropped(DropBackpressure)
	r.SetBufferedMax(4096)
	r.ObserveEncode(12 * time.Millisecond)

	if got := testutil.ToFloat64(r.framesSent); got != 2 {
		t.Errorf("frames_sent_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.framesDrop.WithLabelValues(DropBackpressure)); got != 1 {
		t.Errorf("frames_dropped_total{backpressure} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.bufferedMax); got != 4096 {
		t.Errorf("datachannel_buffered_max = %v, want 4096", got)
	}
	if got := testutil.ToFloat64(r.encodePending); got != 7 {
		t.Errorf("encode_queue_pending = %v, want 7", got)
	}
	if got := testutil.ToFloat64(r.encodeBusy); got != 3 {
		t.Errorf("encode_workers_busy = %v, want 3", got)
	}
	if got := testutil.ToFloat64(r.encodeWorkers); got != 4 {
		t.Errorf("encode_workers = %v, want 4", got)
	}
}

func TestHandlerExposition(t *testing.T) {
	r := New(nil)
	r.FrameSent()
	r.ObserveEncode(3 * time.Millisecond)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"frame_encode_ms_bucket", "frames_sent_total 1", "datachannel_buffered_max"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("exposition is missing %q", name)
		}
	}
}

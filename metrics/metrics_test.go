package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.SetDevicesKnown(3)
	m.LinkUp("lan", "inbound")
	m.LinkDown("lan")
	m.PacketSent("lan")
	m.PairingEvent("paired")
	m.MultiplexFrame("in", "WRITE")
	m.QueueFailed()
}

func TestLinkCounters(t *testing.T) {
	m := NewMetrics()
	m.LinkUp("lan", "outbound")
	m.LinkUp("lan", "inbound")
	m.LinkDown("lan")

	if got := testutil.ToFloat64(m.LinksActive.WithLabelValues("lan")); got != 1 {
		t.Fatalf("expected 1 active lan link, got %v", got)
	}
	if got := testutil.ToFloat64(m.LinksEstablished.WithLabelValues("lan", "outbound")); got != 1 {
		t.Fatalf("expected 1 outbound establishment, got %v", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	m := NewMetrics()
	m.SetDevicesKnown(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(rec.Body.String(), "peerlink_devices_known 2") {
		t.Fatalf("expected devices gauge in output, got:\n%s", rec.Body.String())
	}
}

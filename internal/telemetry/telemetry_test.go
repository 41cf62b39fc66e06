package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/chaz8081/rf433-gateway/internal/radio"
)

func TestMetricsSessions(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed(3 * time.Second)

	if got := testutil.ToFloat64(m.sessionsActive); got != 1 {
		t.Errorf("sessions_active = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sessionsTotal); got != 2 {
		t.Errorf("sessions_total = %v, want 2", got)
	}
}

func TestMetricsMessageLabelsAreBounded(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	for _, a := range []string{"Sniff", " sniff ", "Kitchen-Gateway", "who's there?", ""} {
		m.MessageIn(a)
	}
	m.MessageOut("")
	m.MessageOut("RemoteSwitch")

	tests := []struct {
		action string
		want   float64
	}{
		{"sniff", 2},
		{"other", 2},
		{"", 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(m.messagesIn.WithLabelValues(tt.action)); got != tt.want {
			t.Errorf("messages_in{action=%q} = %v, want %v", tt.action, got, tt.want)
		}
	}
	if got := testutil.ToFloat64(m.messagesOut.WithLabelValues("none")); got != 1 {
		t.Errorf("messages_out{key=none} = %v", got)
	}
}

func TestMetricsRadio(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	wr := radio.Result{Operation: radio.Operation{Kind: radio.Write}}
	m.OperationDone(wr, 10*time.Millisecond)
	wr.Err = fmt.Errorf("dispatch: %w", radio.ErrTimeout)
	m.OperationDone(wr, time.Second)
	m.OperationDone(radio.Result{Operation: radio.Operation{Kind: radio.Read}, Err: errors.New("gatt")}, 0)
	m.QueueDepth(radio.Write, 3)

	tests := []struct {
		kind, result string
	}{
		{"write", "ok"},
		{"write", "timeout"},
		{"read", "error"},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(m.radioOps.WithLabelValues(tt.kind, tt.result)); got != 1 {
			t.Errorf("operations_total{%s,%s} = %v, want 1", tt.kind, tt.result, got)
		}
	}
	if got := testutil.ToFloat64(m.queueDepth.WithLabelValues("write")); got != 3 {
		t.Errorf("queue_depth{write} = %v", got)
	}
}

func TestMetricsSessionObserver(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ProtocolChosen("RemoteSwitch")
	m.SwitchLearned(true)
	m.SwitchLearned(false)
	m.SwitchLearned(false)

	if got := testutil.ToFloat64(m.protocolChosen.WithLabelValues("RemoteSwitch")); got != 1 {
		t.Errorf("protocol_chosen = %v", got)
	}
	if got := testutil.ToFloat64(m.switchesLearned.WithLabelValues("duplicate")); got != 2 {
		t.Errorf("switches_learned{duplicate} = %v", got)
	}
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.SessionOpened()

	srv := httptest.NewServer(Handler(reg, func() Health {
		return Health{Version: "1.0.0", Gateway: radio.Connected.String(), Device: "AA:BB"}
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "rf433_sessions_total 1") {
		t.Errorf("/metrics = %d\n%s", resp.StatusCode, body)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	want := Health{Status: "ok", Version: "1.0.0", Gateway: "Connected", Device: "AA:BB"}
	if h != want {
		t.Errorf("/healthz = %+v, want %+v", h, want)
	}

	resp, err = http.Get(srv.URL + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("/nope = %d", resp.StatusCode)
	}
}

type fakeWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushes int
}

func (f *fakeWriter) WritePoint(p *write.Point) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, p)
}

func (f *fakeWriter) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
}

func tags(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, tag := range p.TagList() {
		out[tag.Key] = tag.Value
	}
	return out
}

func TestInfluxWritesOperationPoints(t *testing.T) {
	w := &fakeWriter{}
	stamp := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	sink := &Influx{w: w, now: func() time.Time { return stamp }}

	sink.OperationDone(radio.Result{
		Operation: radio.Operation{Kind: radio.Write, Characteristic: "b001", Payload: make([]byte, 10)},
		Err:       radio.ErrDisconnected,
	}, 1500*time.Microsecond)
	sink.QueueDepth(radio.Read, 2)
	sink.Close()

	if len(w.points) != 2 || w.flushes != 1 {
		t.Fatalf("points = %d, flushes = %d", len(w.points), w.flushes)
	}
	op := w.points[0]
	if op.Name() != measurementOperation || !op.Time().Equal(stamp) {
		t.Errorf("point = %s at %v", op.Name(), op.Time())
	}
	wantTags := map[string]string{"kind": "write", "characteristic": "b001", "result": "disconnected"}
	for k, v := range wantTags {
		if tags(op)[k] != v {
			t.Errorf("tag %s = %q, want %q", k, tags(op)[k], v)
		}
	}
	for _, f := range op.FieldList() {
		if f.Key == "latency_ms" && f.Value != 1.5 {
			t.Errorf("latency_ms = %v", f.Value)
		}
	}
	if w.points[1].Name() != measurementQueue || tags(w.points[1])["kind"] != "read" {
		t.Errorf("queue point = %s %v", w.points[1].Name(), tags(w.points[1]))
	}
}

type countingRadio struct{ ops, depths int }

func (c *countingRadio) OperationDone(radio.Result, time.Duration) { c.ops++ }
func (c *countingRadio) QueueDepth(radio.Kind, int)                { c.depths++ }

func TestRadioFanout(t *testing.T) {
	a, b := &countingRadio{}, &countingRadio{}
	f := RadioFanout{a, b}
	f.OperationDone(radio.Result{}, 0)
	f.QueueDepth(radio.Write, 1)
	if a.ops != 1 || b.ops != 1 || a.depths != 1 || b.depths != 1 {
		t.Errorf("a=%+v b=%+v", a, b)
	}
}

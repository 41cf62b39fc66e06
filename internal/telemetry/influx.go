package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/chaz8081/rf433-gateway/internal/config"
	"github.com/chaz8081/rf433-gateway/internal/radio"
)

const (
	influxPingTimeout    = 5 * time.Second
	influxBatchSize      = 100
	influxFlushInterval  = 10_000 // milliseconds
	measurementOperation = "radio_operation"
	measurementQueue     = "radio_queue"
)

// ErrInfluxUnavailable is returned when the InfluxDB server cannot be
// reached at start-up.
var ErrInfluxUnavailable = errors.New("telemetry: influxdb unavailable")

// pointWriter is the part of the InfluxDB write API the sink uses.
type pointWriter interface {
	WritePoint(p *write.Point)
	Flush()
}

// Influx writes one point per finished radio operation. Writes are
// batched by the client library and never block the radio.
type Influx struct {
	client influxdb2.Client // nil in tests
	w      pointWriter
	now    func() time.Time
}

// DialInflux connects to the server in cfg and starts the batching writer.
func DialInflux(ctx context.Context, cfg config.InfluxDBConfig, logger *slog.Logger) (*Influx, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(influxBatchSize).
			SetFlushInterval(influxFlushInterval))

	pctx, cancel := context.WithTimeout(ctx, influxPingTimeout)
	defer cancel()
	healthy, err := client.Ping(pctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrInfluxUnavailable, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrInfluxUnavailable)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	log := logger.With("component", "influxdb")
	go func() {
		for err := range writeAPI.Errors() {
			log.Warn("influxdb write failed", "error", err)
		}
	}()
	return &Influx{client: client, w: writeAPI, now: time.Now}, nil
}

func (i *Influx) OperationDone(r radio.Result, latency time.Duration) {
	p := write.NewPoint(measurementOperation,
		map[string]string{
			"kind":           r.Kind.String(),
			"characteristic": r.Characteristic,
			"result":         resultLabel(r.Err),
		},
		map[string]any{
			"latency_ms": float64(latency.Microseconds()) / 1000,
			"bytes":      len(r.Payload) + len(r.Value),
		},
		i.now())
	i.w.WritePoint(p)
}

func (i *Influx) QueueDepth(kind radio.Kind, depth int) {
	p := write.NewPoint(measurementQueue,
		map[string]string{"kind": kind.String()},
		map[string]any{"depth": depth},
		i.now())
	i.w.WritePoint(p)
}

// Close flushes pending points and closes the client.
func (i *Influx) Close() {
	i.w.Flush()
	if i.client != nil {
		i.client.Close()
	}
}

// RadioFanout forwards radio statistics to several observers.
type RadioFanout []radio.Observer

func (f RadioFanout) OperationDone(r radio.Result, latency time.Duration) {
	for _, o := range f {
		o.OperationDone(r, latency)
	}
}

func (f RadioFanout) QueueDepth(kind radio.Kind, depth int) {
	for _, o := range f {
		o.QueueDepth(kind, depth)
	}
}

var (
	_ radio.Observer = (*Influx)(nil)
	_ radio.Observer = (*Metrics)(nil)
	_ radio.Observer = RadioFanout(nil)
)

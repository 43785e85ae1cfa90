package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"signalsim/internal/config"
	"signalsim/internal/domain"
)

const (
	influxPingTimeout     = 5 * time.Second
	millisecondsPerSecond = 1000
	stateMeasurement      = "signal_state"
)

var ErrInfluxUnavailable = errors.New("influxdb: server not healthy")

type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// InfluxSink records one signal_state point per state change. Writes are
// batched and non-blocking.
type InfluxSink struct {
	client influxdb2.Client
	writer pointWriter
	now    func() time.Time
}

// DialInflux connects, pings, and starts the batching write API. Async
// write failures are passed to onError.
func DialInflux(cfg config.InfluxConfig, onError func(error)) (*InfluxSink, error) {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond))

	ctx, cancel := context.WithTimeout(context.Background(), influxPingTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb: ping %s: %w", cfg.URL, err)
	}
	if !healthy {
		client.Close()
		return nil, ErrInfluxUnavailable
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	if onError != nil {
		go func() {
			for err := range writeAPI.Errors() {
				onError(err)
			}
		}()
	}
	return &InfluxSink{client: client, writer: writeAPI, now: time.Now}, nil
}

func (s *InfluxSink) Name() string { return "influxdb" }

func (s *InfluxSink) Publish(snap domain.Snapshot) error {
	fields := map[string]interface{}{
		"elapsed_in_phase": snap.ElapsedInPhase,
		"phase_duration":   snap.PhaseDuration,
	}
	for d, c := range snap.Signals {
		fields["signal_"+d.String()] = c.String()
	}
	s.writer.WritePoint(write.NewPoint(
		stateMeasurement,
		map[string]string{
			"intersection_id": snap.IntersectionID,
			"phase":           snap.PhaseName,
		},
		fields,
		s.now(),
	))
	return nil
}

// Remove is a no-op; history stays in the bucket.
func (s *InfluxSink) Remove(string) error { return nil }

func (s *InfluxSink) Close() error {
	s.writer.Flush()
	if s.client != nil {
		s.client.Close()
	}
	return nil
}

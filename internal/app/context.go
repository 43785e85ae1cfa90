package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"signalsim/internal/config"
	"signalsim/internal/db"
	"signalsim/internal/engine"
	"signalsim/internal/events"
	"signalsim/internal/logging"
	"signalsim/internal/metrics"
	"signalsim/internal/migrate"
	"signalsim/internal/registry"
	"signalsim/internal/telemetry"
)

// Version is stamped into logs and the OpenAPI document.
var Version = "0.1.0"

// App holds the wired service graph for one process.
type App struct {
	Settings *config.Settings
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
	DB       *sql.DB
	Engine   *engine.Engine
}

// Bootstrap opens the journal, dials the enabled telemetry sinks and builds
// the engine. Intersections come from intersections_file when set, and the
// default intersection is seeded afterwards if the registry is still empty
// and seed_default is on.
func Bootstrap(ctx context.Context, s *config.Settings, log *logging.Logger) (*App, error) {
	if log == nil {
		log = logging.Discard()
	}
	conn, err := db.Open(db.Config{Path: s.DBDSN})
	if err != nil {
		return nil, err
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	log.Debug("journal ready", "schema_version", version, "dsn", s.DBDSN)

	m := metrics.New()
	sinks, err := dialSinks(s, log, m)
	if err != nil {
		conn.Close()
		return nil, err
	}
	journal := &events.Journal{DB: conn}
	eng := engine.New(registry.New(), journal, m, log, sinks...)
	a := &App{Settings: s, Logger: log, Metrics: m, DB: conn, Engine: eng}

	if s.IntersectionsFile != "" {
		f, err := config.Load(s.IntersectionsFile)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := eng.Load(ctx, f); err != nil {
			a.Close()
			return nil, fmt.Errorf("load %s: %w", s.IntersectionsFile, err)
		}
		log.Info("intersections loaded", "file", s.IntersectionsFile, "count", len(f.Intersections))
	}
	if s.SeedDefault {
		seeded, err := eng.SeedDefault(ctx)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("seed default intersection: %w", err)
		}
		if seeded {
			log.Info("default intersection seeded", "intersection_id", config.DefaultIntersection().ID)
		}
	}
	return a, nil
}

func dialSinks(s *config.Settings, log *logging.Logger, m *metrics.Metrics) ([]telemetry.Sink, error) {
	var sinks []telemetry.Sink
	if s.MQTT.Enabled {
		sink, err := telemetry.DialMQTT(s.MQTT)
		if err != nil {
			return nil, err
		}
		log.Info("mqtt sink connected", "broker", s.MQTT.Broker, "topic_prefix", s.MQTT.TopicPrefix)
		sinks = append(sinks, sink)
	}
	if s.Influx.Enabled {
		sink, err := telemetry.DialInflux(s.Influx, func(err error) {
			log.Error("influx write failed", "error", err)
			m.SinkErrors.WithLabelValues("influxdb").Inc()
		})
		if err != nil {
			for _, prev := range sinks {
				prev.Close()
			}
			return nil, err
		}
		log.Info("influx sink connected", "url", s.Influx.URL, "bucket", s.Influx.Bucket)
		sinks = append(sinks, sink)
	}
	return sinks, nil
}

// Close releases sinks and the journal.
func (a *App) Close() error {
	return errors.Join(a.Engine.Close(), a.DB.Close())
}

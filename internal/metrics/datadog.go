package metrics

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"

	"github.com/meshcache/meshcache/internal/config"
)

// Publisher ships tracker snapshots somewhere. The zero-value production
// implementation speaks DogStatsD.
type Publisher interface {
	Publish(s Snapshot)
	Close() error
}

// DataDogPublisher publishes snapshots to a DogStatsD agent.
type DataDogPublisher struct {
	client *statsd.Client
	logger *slog.Logger
}

// NewDataDogPublisher creates a publisher from config. When DataDog is
// disabled a NoopPublisher is returned instead.
func NewDataDogPublisher(cfg config.DataDogConfig, logger *slog.Logger) (Publisher, error) {
	if !cfg.Enabled {
		return NoopPublisher{}, nil
	}

	if logger == nil {
		logger = slog.Default()
	}

	addr := fmt.Sprintf("%s:%d", cfg.AgentHost, cfg.Port)
	client, err := statsd.New(addr,
		statsd.WithNamespace(cfg.Prefix+"."),
		statsd.WithTags(cfg.Tags),
	)
	if err != nil {
		return nil, fmt.Errorf("statsd client: %w", err)
	}

	logger.Info("DogStatsD publisher initialized", "address", addr, "prefix", cfg.Prefix)

	return &DataDogPublisher{
		client: client,
		logger: logger.With("component", "datadog-publisher"),
	}, nil
}

func (p *DataDogPublisher) Publish(s Snapshot) {
	p.gauge("cache.hits", float64(s.Hits))
	p.gauge("cache.misses", float64(s.Misses))
	p.gauge("cache.sets", float64(s.Sets))
	p.gauge("cache.deletes", float64(s.Deletes))
	p.gauge("cache.errors", float64(s.Errors))
	p.gauge("cache.bytes_written", float64(s.BytesWritten))
	p.gauge("cache.circuit_state_changes", float64(s.CircuitStateChanges))

	for engine, hits := range s.HitsByEngine {
		p.gaugeTagged("cache.engine.hits", float64(hits), "engine:"+engine)
	}
	for engine, misses := range s.MissesByEngine {
		p.gaugeTagged("cache.engine.misses", float64(misses), "engine:"+engine)
	}
}

func (p *DataDogPublisher) gauge(name string, value float64) {
	if err := p.client.Gauge(name, value, nil, 1); err != nil {
		p.logger.Debug("failed to send gauge", "name", name, "error", err)
	}
}

func (p *DataDogPublisher) gaugeTagged(name string, value float64, tags ...string) {
	if err := p.client.Gauge(name, value, tags, 1); err != nil {
		p.logger.Debug("failed to send gauge", "name", name, "error", err)
	}
}

func (p *DataDogPublisher) Close() error {
	return p.client.Close()
}

// NoopPublisher discards snapshots.
type NoopPublisher struct{}

func (NoopPublisher) Publish(s Snapshot) {}
func (NoopPublisher) Close() error       { return nil }

// BackgroundPublisher periodically snapshots a tracker into a publisher.
type BackgroundPublisher struct {
	tracker   *Tracker
	publisher Publisher
	interval  time.Duration
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// StartBackgroundPublisher launches the publish loop. Stop must be called
// to release it.
func StartBackgroundPublisher(tracker *Tracker, publisher Publisher, interval time.Duration) *BackgroundPublisher {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	bp := &BackgroundPublisher{
		tracker:   tracker,
		publisher: publisher,
		interval:  interval,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	go bp.loop()
	return bp
}

func (bp *BackgroundPublisher) loop() {
	defer close(bp.doneCh)

	ticker := time.NewTicker(bp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-bp.stopCh:
			// Final flush so shutdown does not drop the tail.
			bp.publisher.Publish(bp.tracker.Snapshot())
			return
		case <-ticker.C:
			bp.publisher.Publish(bp.tracker.Snapshot())
		}
	}
}

// Stop flushes once and terminates the loop.
func (bp *BackgroundPublisher) Stop() {
	select {
	case <-bp.stopCh:
	default:
		close(bp.stopCh)
	}
	<-bp.doneCh
}

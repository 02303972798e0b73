package replication

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/devrev/pairdb/replicator/internal/errors"
	"github.com/devrev/pairdb/replicator/internal/metrics"
	"github.com/devrev/pairdb/replicator/internal/model"
	"github.com/devrev/pairdb/replicator/internal/util/backoff"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Source is the local database whose changes are replicated
type Source interface {
	DbID() uuid.UUID
	ChangesSince(etag uint64, limit int) []model.ReplicationItem
}

// ChannelConfig tunes outgoing channels
type ChannelConfig struct {
	Database       string
	SourceURL      string
	BatchSize      int
	PollInterval   time.Duration
	RequestTimeout time.Duration
	Backoff        backoff.Policy
}

var stateValues = map[model.ChannelState]int{
	model.ChannelStateDisconnected: 0,
	model.ChannelStateConnecting:   1,
	model.ChannelStateStreaming:    2,
	model.ChannelStateFaulted:      3,
}

// Channel streams changes of one database to one destination.
// The watermark only moves forward on an acknowledgement from the destination.
type Channel struct {
	cfg       ChannelConfig
	dest      Destination
	source    Source
	transport Transport
	metrics   *metrics.Metrics
	logger    *zap.Logger
	wake      chan struct{}

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.RWMutex
	state     model.ChannelState
	watermark uint64
	failures  int
	lastErr   error
}

// NewChannel creates a stopped channel
func NewChannel(cfg ChannelConfig, dest Destination, source Source, transport Transport, m *metrics.Metrics, logger *zap.Logger) *Channel {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = backoff.DefaultPolicy()
	}
	return &Channel{
		cfg:       cfg,
		dest:      dest,
		source:    source,
		transport: transport,
		metrics:   m,
		logger:    logger.With(zap.String("db", cfg.Database), zap.String("destination", dest.String())),
		wake:      make(chan struct{}, 1),
		state:     model.ChannelStateDisconnected,
	}
}

// Start runs the channel until ctx is done or Stop is called
func (c *Channel) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx)
}

// Stop cancels any in-flight request and waits for the channel to exit
func (c *Channel) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

// Notify wakes the channel after a local change. Never blocks.
func (c *Channel) Notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of the channel progress
func (c *Channel) Stats() model.DestinationStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := model.DestinationStats{
		URL:                  c.dest.URL,
		Database:             c.dest.Database,
		State:                c.state,
		LastAcknowledgedEtag: c.watermark,
		ConsecutiveFailures:  c.failures,
	}
	if c.lastErr != nil {
		stats.LastError = c.lastErr.Error()
	}
	return stats
}

// State returns the current channel state
func (c *Channel) State() model.ChannelState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Channel) setState(state model.ChannelState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	c.metrics.SetChannelState(c.cfg.Database, c.dest.String(), stateValues[state])
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	defer c.setState(model.ChannelStateDisconnected)

	c.logger.Info("Replication channel started")
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			c.logger.Info("Replication channel stopped")
			return
		}

		c.mu.Lock()
		c.failures++
		c.lastErr = err
		attempt := c.failures - 1
		c.mu.Unlock()

		c.setState(model.ChannelStateFaulted)
		c.metrics.RecordChannelFailure(c.cfg.Database, c.dest.String())
		c.logger.Warn("Replication channel faulted",
			zap.Int("consecutive_failures", attempt+1),
			zap.Error(err))

		c.setState(model.ChannelStateDisconnected)
		if c.cfg.Backoff.Wait(ctx, attempt) != nil {
			c.logger.Info("Replication channel stopped")
			return
		}
	}
}

// session performs the handshake and streams until an error occurs
func (c *Channel) session(ctx context.Context) error {
	c.setState(model.ChannelStateConnecting)

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	watermark, err := c.transport.LastAcceptedEtag(reqCtx, c.dest, c.source.DbID())
	cancel()
	if err != nil {
		return apperrors.TransportFailed(c.dest.String(), err)
	}

	c.mu.Lock()
	c.watermark = watermark
	c.failures = 0
	c.lastErr = nil
	c.mu.Unlock()
	c.setState(model.ChannelStateStreaming)
	c.logger.Info("Replication channel connected", zap.Uint64("watermark", watermark))

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		items := c.source.ChangesSince(watermark, c.cfg.BatchSize)
		if len(items) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.wake:
			case <-ticker.C:
			}
			continue
		}

		next, err := c.send(ctx, items)
		if err != nil {
			return err
		}
		watermark = next
	}
}

func (c *Channel) send(ctx context.Context, items []model.ReplicationItem) (uint64, error) {
	batch := &model.ReplicationBatch{
		SourceDbID:         c.source.DbID(),
		SourceDatabaseName: c.cfg.Database,
		SourceURL:          c.cfg.SourceURL,
		Items:              items,
		LastEtag:           items[len(items)-1].Etag,
	}

	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	ack, err := c.transport.SendBatch(reqCtx, c.dest, batch)
	cancel()
	if err != nil {
		return 0, apperrors.TransportFailed(c.dest.String(), err)
	}
	if ack.LastAcceptedEtag < batch.LastEtag {
		return 0, apperrors.TransportFailed(c.dest.String(),
			errors.New("destination acknowledged less than it was sent"))
	}

	c.mu.Lock()
	c.watermark = ack.LastAcceptedEtag
	c.mu.Unlock()

	c.metrics.RecordBatchSent(c.cfg.Database, c.dest.String(), len(items), time.Since(start).Seconds())
	c.logger.Debug("Replication batch acknowledged",
		zap.Int("items", len(items)),
		zap.Int("applied", ack.Applied),
		zap.Int("conflicts", ack.Conflicts),
		zap.Uint64("watermark", ack.LastAcceptedEtag))
	return ack.LastAcceptedEtag, nil
}

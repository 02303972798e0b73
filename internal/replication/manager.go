package replication

import (
	"context"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/devrev/pairdb/replicator/internal/metrics"
	"github.com/devrev/pairdb/replicator/internal/model"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// Manager owns the outgoing channels of one database
type Manager struct {
	cfg       ChannelConfig
	source    Source
	transport Transport
	metrics   *metrics.Metrics
	logger    *zap.Logger
	channels  *xsync.MapOf[Destination, *Channel]

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a manager whose channels live until Stop
func NewManager(cfg ChannelConfig, source Source, transport Transport, m *metrics.Metrics, logger *zap.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		source:    source,
		transport: transport,
		metrics:   m,
		logger:    logger.With(zap.String("db", cfg.Database)),
		channels:  xsync.NewMapOf[Destination, *Channel](),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// AddDestination starts a channel to dest. Returns false if one already exists.
func (m *Manager) AddDestination(dest Destination) bool {
	ch := NewChannel(m.cfg, dest, m.source, m.transport, m.metrics, m.logger)
	if _, loaded := m.channels.LoadOrStore(dest, ch); loaded {
		return false
	}
	ch.Start(m.ctx)
	m.logger.Info("Replication destination added", zap.String("destination", dest.String()))
	return true
}

// RemoveDestination stops the channel to dest. Returns false if there was none.
func (m *Manager) RemoveDestination(dest Destination) bool {
	ch, ok := m.channels.LoadAndDelete(dest)
	if !ok {
		return false
	}
	ch.Stop()
	m.metrics.RemoveChannel(m.cfg.Database, dest.String())
	m.logger.Info("Replication destination removed", zap.String("destination", dest.String()))
	return true
}

// SetDestinations reconciles the running channels with dests
func (m *Manager) SetDestinations(dests []Destination) {
	want := mapset.NewThreadUnsafeSet[Destination](dests...)
	have := mapset.NewThreadUnsafeSet[Destination]()
	m.channels.Range(func(dest Destination, _ *Channel) bool {
		have.Add(dest)
		return true
	})

	for _, dest := range have.Difference(want).ToSlice() {
		m.RemoveDestination(dest)
	}
	for _, dest := range want.Difference(have).ToSlice() {
		m.AddDestination(dest)
	}
}

// Notify wakes every channel after a local change
func (m *Manager) Notify() {
	m.channels.Range(func(_ Destination, ch *Channel) bool {
		ch.Notify()
		return true
	})
}

// Stats returns the progress of every channel ordered by destination
func (m *Manager) Stats() []model.DestinationStats {
	out := make([]model.DestinationStats, 0, m.channels.Size())
	m.channels.Range(func(_ Destination, ch *Channel) bool {
		out = append(out, ch.Stats())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].URL != out[j].URL {
			return out[i].URL < out[j].URL
		}
		return out[i].Database < out[j].Database
	})
	return out
}

// Stop stops every channel
func (m *Manager) Stop() {
	m.cancel()
	m.channels.Range(func(dest Destination, ch *Channel) bool {
		ch.Stop()
		m.channels.Delete(dest)
		return true
	})
	m.logger.Info("Replication manager stopped")
}

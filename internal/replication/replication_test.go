package replication

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/devrev/pairdb/replicator/internal/metrics"
	"github.com/devrev/pairdb/replicator/internal/model"
	"github.com/devrev/pairdb/replicator/internal/store"
	"github.com/devrev/pairdb/replicator/internal/util/backoff"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var sourceDB = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")

// fakeTransport records delivered items and can be told to fail
type fakeTransport struct {
	mu           sync.Mutex
	accepted     uint64
	received     []model.ReplicationItem
	failures     int
	handshakes   int
	sendAttempts int
}

func (f *fakeTransport) LastAcceptedEtag(ctx context.Context, dest Destination, source uuid.UUID) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handshakes++
	return f.accepted, nil
}

func (f *fakeTransport) SendBatch(ctx context.Context, dest Destination, batch *model.ReplicationBatch) (*model.ReplicationAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendAttempts++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection refused")
	}
	f.received = append(f.received, batch.Items...)
	f.accepted = batch.LastEtag
	return &model.ReplicationAck{LastAcceptedEtag: batch.LastEtag, Applied: len(batch.Items)}, nil
}

func (f *fakeTransport) receivedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.received))
	for _, item := range f.received {
		ids = append(ids, item.ID)
	}
	return ids
}

func testConfig() ChannelConfig {
	return ChannelConfig{
		Database:       "orders",
		SourceURL:      "http://a",
		BatchSize:      2,
		PollInterval:   20 * time.Millisecond,
		RequestTimeout: time.Second,
		Backoff:        backoff.Policy{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2},
	}
}

func newSource() *store.DocumentStore {
	return store.NewDocumentStore(sourceDB, zap.NewNop())
}

func TestChannelStreamsInEtagOrder(t *testing.T) {
	docs := newSource()
	docs.Put("users/1", "Users", json.RawMessage(`{}`))
	docs.Put("users/2", "Users", json.RawMessage(`{}`))
	docs.Put("users/3", "Users", json.RawMessage(`{}`))

	transport := &fakeTransport{}
	ch := NewChannel(testConfig(), Destination{URL: "http://b", Database: "orders"}, docs, transport, metrics.NewNopMetrics(), zap.NewNop())
	ch.Start(context.Background())
	defer ch.Stop()

	require.Eventually(t, func() bool { return len(transport.receivedIDs()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"users/1", "users/2", "users/3"}, transport.receivedIDs())

	docs.Put("users/4", "Users", json.RawMessage(`{}`))
	ch.Notify()
	require.Eventually(t, func() bool { return len(transport.receivedIDs()) == 4 }, 2*time.Second, 5*time.Millisecond)

	stats := ch.Stats()
	assert.Equal(t, model.ChannelStateStreaming, stats.State)
	assert.Equal(t, uint64(4), stats.LastAcknowledgedEtag)
}

func TestChannelResumesFromHandshake(t *testing.T) {
	docs := newSource()
	docs.Put("users/1", "Users", json.RawMessage(`{}`))
	docs.Put("users/2", "Users", json.RawMessage(`{}`))

	transport := &fakeTransport{accepted: 1}
	ch := NewChannel(testConfig(), Destination{URL: "http://b", Database: "orders"}, docs, transport, metrics.NewNopMetrics(), zap.NewNop())
	ch.Start(context.Background())
	defer ch.Stop()

	require.Eventually(t, func() bool { return len(transport.receivedIDs()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"users/2"}, transport.receivedIDs())
}

func TestChannelRetriesWithoutLosingChanges(t *testing.T) {
	docs := newSource()
	docs.Put("users/1", "Users", json.RawMessage(`{}`))

	transport := &fakeTransport{failures: 3}
	ch := NewChannel(testConfig(), Destination{URL: "http://b", Database: "orders"}, docs, transport, metrics.NewNopMetrics(), zap.NewNop())
	ch.Start(context.Background())
	defer ch.Stop()

	require.Eventually(t, func() bool { return len(transport.receivedIDs()) == 1 }, 5*time.Second, 5*time.Millisecond)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Equal(t, 4, transport.sendAttempts)
	assert.Equal(t, 4, transport.handshakes, "each retry starts with a handshake")
	assert.Equal(t, 0, ch.Stats().ConsecutiveFailures)
}

func TestChannelStopReturnsPromptly(t *testing.T) {
	ch := NewChannel(testConfig(), Destination{URL: "http://b", Database: "orders"}, newSource(), &fakeTransport{}, metrics.NewNopMetrics(), zap.NewNop())
	ch.Start(context.Background())

	require.Eventually(t, func() bool { return ch.State() == model.ChannelStateStreaming }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		ch.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, model.ChannelStateDisconnected, ch.State())
}

func TestManagerDestinations(t *testing.T) {
	m := NewManager(testConfig(), newSource(), &fakeTransport{}, metrics.NewNopMetrics(), zap.NewNop())
	defer m.Stop()

	b := Destination{URL: "http://b", Database: "orders"}
	c := Destination{URL: "http://c", Database: "orders"}

	assert.True(t, m.AddDestination(b))
	assert.False(t, m.AddDestination(b))
	m.SetDestinations([]Destination{c, c})

	stats := m.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "http://c", stats[0].URL)

	assert.True(t, m.RemoveDestination(c))
	assert.False(t, m.RemoveDestination(c))
	assert.Empty(t, m.Stats())
}

func TestHTTPTransport(t *testing.T) {
	var gotBatch model.ReplicationBatch
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/databases/orders/replication/last-etag":
			assert.Equal(t, sourceDB.String(), r.URL.Query().Get("dbid"))
			_, _ = w.Write([]byte(`{"LastEtag":42}`))
		case "/databases/orders/replication/batch":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBatch))
			_, _ = w.Write([]byte(`{"LastAcceptedEtag":43,"Applied":1}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error_code":"INTERNAL_ERROR"}`))
		}
	}))
	defer server.Close()

	transport := NewHTTPTransport(time.Second)
	dest := Destination{URL: server.URL, Database: "orders"}

	etag, err := transport.LastAcceptedEtag(context.Background(), dest, sourceDB)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), etag)

	ack, err := transport.SendBatch(context.Background(), dest, &model.ReplicationBatch{
		SourceDbID: sourceDB,
		Items:      []model.ReplicationItem{{ID: "users/1", Etag: 43}},
		LastEtag:   43,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(43), ack.LastAcceptedEtag)
	assert.Equal(t, "users/1", gotBatch.Items[0].ID)

	_, err = transport.LastAcceptedEtag(context.Background(), Destination{URL: server.URL, Database: "other"}, sourceDB)
	assert.ErrorContains(t, err, "status 503")
}

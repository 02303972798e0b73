package topology

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/devrev/pairdb/replicator/internal/metrics"
	"github.com/devrev/pairdb/replicator/internal/model"
	"github.com/hashicorp/memberlist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func topologyWithEtag(etag int64, urls ...string) *model.Topology {
	t := &model.Topology{Etag: etag}
	for _, u := range urls {
		t.Nodes = append(t.Nodes, model.ServerNode{URL: u, Database: "orders", ServerRole: model.ServerRoleMember})
	}
	return t
}

func TestLocalCacheRoundTrip(t *testing.T) {
	c := NewLocalCache(t.TempDir(), zap.NewNop())

	_, err := c.Load("orders")
	require.Error(t, err)
	assert.True(t, IsCacheMiss(err))

	saved, err := c.TrySave("orders", topologyWithEtag(5, "http://a", "http://b"))
	require.NoError(t, err)
	assert.True(t, saved)

	loaded, err := c.Load("orders")
	require.NoError(t, err)
	assert.Equal(t, int64(5), loaded.Etag)
	assert.Len(t, loaded.Nodes, 2)
	assert.Equal(t, "http://a", loaded.Nodes[0].URL)
}

func TestLocalCacheKeepsNewerEtag(t *testing.T) {
	c := NewLocalCache(t.TempDir(), zap.NewNop())

	saved, err := c.TrySave("orders", topologyWithEtag(5, "http://a"))
	require.NoError(t, err)
	require.True(t, saved)

	saved, err = c.TrySave("orders", topologyWithEtag(3, "http://stale"))
	require.NoError(t, err)
	assert.False(t, saved)

	saved, err = c.TrySave("orders", topologyWithEtag(5, "http://same-etag"))
	require.NoError(t, err)
	assert.False(t, saved)

	loaded, err := c.Load("orders")
	require.NoError(t, err)
	assert.Equal(t, "http://a", loaded.Nodes[0].URL)
}

func TestLocalCacheDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	c := NewLocalCache(dir, zap.NewNop())
	_, err := c.TrySave("orders", topologyWithEtag(2, "http://a"))
	require.NoError(t, err)

	t.Run("tampered content", func(t *testing.T) {
		var persisted model.PersistedTopology
		data, err := os.ReadFile(c.Path("orders"))
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &persisted))
		persisted.Etag = 99
		data, err = json.Marshal(persisted)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(c.Path("orders"), data, 0o644))

		_, err = c.Load("orders")
		var ce *CacheError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, CacheCorrupt, ce.Kind)
	})

	t.Run("garbage", func(t *testing.T) {
		require.NoError(t, os.WriteFile(c.Path("orders"), []byte("{not json"), 0o644))
		_, err := c.Load("orders")
		var ce *CacheError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, CacheCorrupt, ce.Kind)
	})

	t.Run("corrupt file is overwritten", func(t *testing.T) {
		saved, err := c.TrySave("orders", topologyWithEtag(1, "http://fresh"))
		require.NoError(t, err)
		assert.True(t, saved)
	})

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, ".tmp", filepath.Ext(e.Name()), "temp files are cleaned up")
	}
}

func TestLocalCacheClear(t *testing.T) {
	c := NewLocalCache(t.TempDir(), zap.NewNop())
	require.NoError(t, c.Clear("orders"), "clearing a missing file is fine")

	_, err := c.TrySave("orders", topologyWithEtag(1, "http://a"))
	require.NoError(t, err)
	require.NoError(t, c.Clear("orders"))

	_, err = c.Load("orders")
	assert.True(t, IsCacheMiss(err))
}

func TestCacheOnlyMovesForward(t *testing.T) {
	local := NewLocalCache(t.TempDir(), zap.NewNop())
	cache := NewCache("orders", local, metrics.NewNopMetrics(), zap.NewNop())

	assert.Nil(t, cache.Current())
	assert.True(t, cache.Update(topologyWithEtag(5, "http://a", "http://b")))
	assert.False(t, cache.Update(topologyWithEtag(3, "http://a")))

	current := cache.Current()
	require.NotNil(t, current)
	assert.Equal(t, int64(5), current.Etag)
	assert.Len(t, current.Nodes, 2)

	persisted, err := local.Load("orders")
	require.NoError(t, err)
	assert.Equal(t, int64(5), persisted.Etag)
}

func TestCacheCurrentIsACopy(t *testing.T) {
	cache := NewCache("orders", nil, nil, zap.NewNop())
	cache.Update(topologyWithEtag(1, "http://a"))

	cache.Current().Nodes[0].URL = "http://mutated"
	assert.Equal(t, "http://a", cache.Current().Nodes[0].URL)
}

func TestCacheWarm(t *testing.T) {
	dir := t.TempDir()
	local := NewLocalCache(dir, zap.NewNop())
	_, err := local.TrySave("orders", topologyWithEtag(7, "http://a"))
	require.NoError(t, err)

	cache := NewCache("orders", local, nil, zap.NewNop())
	assert.True(t, cache.Warm())
	assert.Equal(t, int64(7), cache.Etag())

	require.NoError(t, os.WriteFile(local.Path("users"), []byte("garbage"), 0o644))
	users := NewCache("users", local, nil, zap.NewNop())
	assert.False(t, users.Warm(), "corrupt cache is treated as a miss")
	assert.Nil(t, users.Current())
}

func memberNode(t *testing.T, name string, meta MemberMeta) *memberlist.Node {
	t.Helper()
	raw, err := json.Marshal(meta)
	require.NoError(t, err)
	return &memberlist.Node{Name: name, Meta: raw}
}

func TestGossipSourceBuildsTopology(t *testing.T) {
	orders := NewCache("orders", nil, nil, zap.NewNop())
	users := NewCache("users", nil, nil, zap.NewNop())
	self := MemberMeta{URL: "http://a", Databases: []string{"orders", "users"}}
	source := NewGossipSource(GossipConfig{NodeID: "a"}, self, map[string]*Cache{"orders": orders, "users": users}, zap.NewNop())
	events := &gossipEventDelegate{source: source}

	events.NotifyJoin(memberNode(t, "a", self))
	require.NotNil(t, orders.Current())
	assert.Len(t, orders.Current().Nodes, 1)

	events.NotifyJoin(memberNode(t, "b", MemberMeta{URL: "http://b", Databases: []string{"orders"}}))
	current := orders.Current()
	require.Len(t, current.Nodes, 2)
	assert.Equal(t, "http://a", current.Nodes[0].URL)
	assert.Equal(t, "http://b", current.Nodes[1].URL)
	assert.Equal(t, model.ServerRoleMember, current.Nodes[1].ServerRole)
	assert.Len(t, users.Current().Nodes, 1, "b does not host users")

	etag := orders.Etag()
	events.NotifyUpdate(memberNode(t, "b", MemberMeta{URL: "http://b", Databases: []string{"orders"}}))
	assert.Equal(t, etag, orders.Etag(), "unchanged membership keeps the etag")

	events.NotifyLeave(&memberlist.Node{Name: "b"})
	assert.Len(t, orders.Current().Nodes, 1)
	assert.Greater(t, orders.Etag(), etag)

	events.NotifyLeave(&memberlist.Node{Name: "a"})
	assert.Len(t, orders.Current().Nodes, 1, "a node never removes itself")
}

func TestGossipSourceIgnoresBadMetadata(t *testing.T) {
	orders := NewCache("orders", nil, nil, zap.NewNop())
	source := NewGossipSource(GossipConfig{NodeID: "a"}, MemberMeta{URL: "http://a", Databases: []string{"orders"}},
		map[string]*Cache{"orders": orders}, zap.NewNop())

	(&gossipEventDelegate{source: source}).NotifyJoin(&memberlist.Node{Name: "x", Meta: []byte("nope")})

	assert.Len(t, source.Members(), 1)
	assert.Nil(t, orders.Current())
}

func TestGossipNodeMeta(t *testing.T) {
	self := MemberMeta{URL: "http://a", ClusterTag: "eu", Databases: []string{"orders"}}
	source := NewGossipSource(GossipConfig{NodeID: "a"}, self, nil, zap.NewNop())

	var decoded MemberMeta
	require.NoError(t, json.Unmarshal(source.NodeMeta(512), &decoded))
	assert.Equal(t, self, decoded)
	assert.Nil(t, source.NodeMeta(4))
}

func TestCachePublish(t *testing.T) {
	cache := NewCache("orders", nil, nil, zap.NewNop())
	nodes := topologyWithEtag(0, "http://a", "http://b").Nodes

	assert.True(t, cache.Publish(nodes))
	assert.Equal(t, int64(1), cache.Etag())
	assert.False(t, cache.Publish(nodes), "same node list")
	assert.True(t, cache.Publish(nodes[:1]))
	assert.Equal(t, int64(2), cache.Etag())
}

package topology

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/replicator/internal/model"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	NodeID         string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// MemberMeta is the metadata each node gossips about itself
type MemberMeta struct {
	URL        string   `json:"Url"`
	ClusterTag string   `json:"ClusterTag"`
	Databases  []string `json:"Databases"`
}

// GossipSource derives database topologies from cluster membership.
// Every join, leave or metadata change rebuilds the topology of each hosted database
// and feeds it to that database's Cache with the next etag.
type GossipSource struct {
	config     GossipConfig
	self       MemberMeta
	memberlist *memberlist.Memberlist
	caches     map[string]*Cache
	logger     *zap.Logger

	mu      sync.Mutex
	members map[string]MemberMeta
}

// NewGossipSource creates a source for the given caches, keyed by database name
func NewGossipSource(cfg GossipConfig, self MemberMeta, caches map[string]*Cache, logger *zap.Logger) *GossipSource {
	gs := &GossipSource{
		config:  cfg,
		self:    self,
		caches:  caches,
		logger:  logger,
		members: make(map[string]MemberMeta),
	}
	gs.members[cfg.NodeID] = self
	return gs
}

// Start creates the memberlist and joins the seed nodes
func (s *GossipSource) Start() error {
	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = s.config.NodeID
	mlConfig.BindPort = s.config.BindPort
	mlConfig.AdvertisePort = s.config.BindPort
	if s.config.GossipInterval > 0 {
		mlConfig.GossipInterval = s.config.GossipInterval
	}
	if s.config.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = s.config.ProbeTimeout
	}
	if s.config.ProbeInterval > 0 {
		mlConfig.ProbeInterval = s.config.ProbeInterval
	}
	mlConfig.Delegate = s
	mlConfig.Events = &gossipEventDelegate{source: s}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return fmt.Errorf("failed to create memberlist: %w", err)
	}
	s.memberlist = ml

	if len(s.config.SeedNodes) > 0 {
		if _, err := ml.Join(s.config.SeedNodes); err != nil {
			s.logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}
	return nil
}

// Shutdown leaves the cluster and stops gossiping
func (s *GossipSource) Shutdown() error {
	if s.memberlist == nil {
		return nil
	}
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Failed to leave cluster", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// NodeMeta implements memberlist.Delegate
func (s *GossipSource) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(s.self)
	if len(data) > limit {
		s.logger.Warn("Node metadata exceeds gossip limit",
			zap.Int("size", len(data)),
			zap.Int("limit", limit))
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipSource) NotifyMsg(data []byte) {}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipSource) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipSource) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipSource) MergeRemoteState(buf []byte, join bool) {}

// Members returns the known members keyed by node name
func (s *GossipSource) Members() map[string]MemberMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]MemberMeta, len(s.members))
	for name, meta := range s.members {
		out[name] = meta
	}
	return out
}

func (s *GossipSource) upsert(name string, raw []byte) {
	var meta MemberMeta
	if err := json.Unmarshal(raw, &meta); err != nil || meta.URL == "" {
		s.logger.Warn("Ignoring member without usable metadata",
			zap.String("node_id", name),
			zap.Error(err))
		return
	}

	s.mu.Lock()
	s.members[name] = meta
	s.mu.Unlock()
	s.rebuild()
}

func (s *GossipSource) remove(name string) {
	if name == s.config.NodeID {
		return
	}
	s.mu.Lock()
	_, known := s.members[name]
	delete(s.members, name)
	s.mu.Unlock()

	if known {
		s.rebuild()
	}
}

// rebuild publishes the node list of every hosted database
func (s *GossipSource) rebuild() {
	members := s.Members()

	for database, cache := range s.caches {
		var nodes []model.ServerNode
		for _, meta := range members {
			if !hosts(meta, database) {
				continue
			}
			nodes = append(nodes, model.ServerNode{
				URL:        meta.URL,
				Database:   database,
				ClusterTag: meta.ClusterTag,
				ServerRole: model.ServerRoleMember,
			})
		}
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].URL < nodes[j].URL })

		cache.Publish(nodes)
	}
}

func hosts(meta MemberMeta, database string) bool {
	for _, db := range meta.Databases {
		if db == database {
			return true
		}
	}
	return false
}

func sameNodes(a, b []model.ServerNode) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// gossipEventDelegate handles memberlist events
type gossipEventDelegate struct {
	source *GossipSource
}

// NotifyJoin is called when a node joins
func (d *gossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.source.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Address()))
	d.source.upsert(node.Name, node.Meta)
}

// NotifyLeave is called when a node leaves
func (d *gossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.source.logger.Info("Node left", zap.String("node_id", node.Name))
	d.source.remove(node.Name)
}

// NotifyUpdate is called when a node is updated
func (d *gossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.source.logger.Debug("Node updated", zap.String("node_id", node.Name))
	d.source.upsert(node.Name, node.Meta)
}

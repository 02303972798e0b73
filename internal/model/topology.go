package model

import "time"

// ServerRole represents the role a node plays for a database
type ServerRole string

const (
	// ServerRoleNone indicates a node with no assigned role
	ServerRoleNone ServerRole = "None"
	// ServerRolePromotable indicates a node catching up before becoming a member
	ServerRolePromotable ServerRole = "Promotable"
	// ServerRoleMember indicates a fully operational member
	ServerRoleMember ServerRole = "Member"
	// ServerRoleRehab indicates a member that fell behind or failed
	ServerRoleRehab ServerRole = "Rehab"
)

// ServerNode identifies one node hosting a database
type ServerNode struct {
	URL        string     `json:"Url"`
	Database   string     `json:"Database"`
	ClusterTag string     `json:"ClusterTag"`
	ServerRole ServerRole `json:"ServerRole"`
}

// Topology is the versioned set of nodes hosting a database.
// Etag strictly increases on every change.
type Topology struct {
	Nodes []ServerNode `json:"Nodes"`
	Etag  int64        `json:"Etag"`
}

// Clone returns a deep copy of the topology
func (t *Topology) Clone() *Topology {
	if t == nil {
		return nil
	}
	nodes := make([]ServerNode, len(t.Nodes))
	copy(nodes, t.Nodes)
	return &Topology{Nodes: nodes, Etag: t.Etag}
}

// PersistedTopology is the on-disk form of a cached topology
type PersistedTopology struct {
	Nodes       []ServerNode `json:"Nodes"`
	Etag        int64        `json:"Etag"`
	PersistedAt time.Time    `json:"PersistedAt"`
	Checksum    uint32       `json:"Checksum"`
}

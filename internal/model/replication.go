package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ChannelState represents the state of an outgoing replication channel
type ChannelState string

const (
	ChannelStateDisconnected ChannelState = "disconnected"
	ChannelStateConnecting   ChannelState = "connecting"
	ChannelStateStreaming    ChannelState = "streaming"
	ChannelStateFaulted      ChannelState = "faulted"
)

// ReplicationItem is a document or tombstone sent to another database
type ReplicationItem struct {
	ID           string          `json:"Id"`
	Collection   string          `json:"Collection"`
	Data         json.RawMessage `json:"Data,omitempty"`
	ChangeVector ChangeVector    `json:"ChangeVector"`
	Etag         uint64          `json:"Etag"` // source storage etag
	Deleted      bool            `json:"Deleted"`
	LastModified time.Time       `json:"LastModified"`
}

// Version converts the item into a conflict version
func (i *ReplicationItem) Version(source uuid.UUID) DocumentVersion {
	return DocumentVersion{
		Data:         i.Data,
		ChangeVector: i.ChangeVector.Clone(),
		SourceDbID:   source,
		Deleted:      i.Deleted,
		LastModified: i.LastModified,
	}
}

// ReplicationBatch is one unit of outgoing replication
type ReplicationBatch struct {
	SourceDbID         uuid.UUID         `json:"SourceDbId"`
	SourceDatabaseName string            `json:"SourceDatabaseName"`
	SourceURL          string            `json:"SourceUrl"`
	Items              []ReplicationItem `json:"Items"`
	LastEtag           uint64            `json:"LastEtag"`
}

// ReplicationAck acknowledges a batch
type ReplicationAck struct {
	LastAcceptedEtag uint64 `json:"LastAcceptedEtag"`
	Applied          int    `json:"Applied"`
	Conflicts        int    `json:"Conflicts"`
	Discarded        int    `json:"Discarded"`
}

// IncomingOutcome is what the receiver did with one replicated item
type IncomingOutcome string

const (
	OutcomeApplied   IncomingOutcome = "applied"
	OutcomeMerged    IncomingOutcome = "merged"
	OutcomeConflict  IncomingOutcome = "conflict"
	OutcomeDiscarded IncomingOutcome = "discarded"
	OutcomeRejected  IncomingOutcome = "rejected"
)

// RejectionKey identifies the source of rejected incoming replication
type RejectionKey struct {
	SourceDatabaseName string `json:"SourceDatabaseName"`
}

// RejectionReason describes why incoming replication was refused
type RejectionReason struct {
	Reason string    `json:"Reason"`
	Time   time.Time `json:"Time"`
}

// RejectionInfo groups rejection reasons by source
type RejectionInfo struct {
	Key   RejectionKey      `json:"Key"`
	Value []RejectionReason `json:"Value"`
}

// DestinationStats reports the progress of one outgoing channel
type DestinationStats struct {
	URL                  string       `json:"Url"`
	Database             string       `json:"Database"`
	State                ChannelState `json:"State"`
	LastAcknowledgedEtag uint64       `json:"LastAcknowledgedEtag"`
	ConsecutiveFailures  int          `json:"ConsecutiveFailures"`
	LastError            string       `json:"LastError,omitempty"`
}

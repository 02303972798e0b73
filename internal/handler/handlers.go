// Package handler provides the HTTP handlers of a replicator node.
package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/devrev/pairdb/replicator/internal/database"
	apperrors "github.com/devrev/pairdb/replicator/internal/errors"
	"github.com/devrev/pairdb/replicator/internal/model"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxBatchBytes = 64 << 20

// Registry looks up hosted databases by name
type Registry interface {
	Database(name string) (*database.Database, bool)
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	registry Registry
	errors   *ErrorWriter
	logger   *zap.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(registry Registry, errorWriter *ErrorWriter, logger *zap.Logger) *Handlers {
	return &Handlers{
		registry: registry,
		errors:   errorWriter,
		logger:   logger,
	}
}

// Register mounts every database route on router
func (h *Handlers) Register(router *mux.Router) {
	db := router.PathPrefix("/databases/{db}").Subrouter()

	db.HandleFunc("/docs", h.GetDocument).Methods(http.MethodGet)
	db.HandleFunc("/docs", h.PutDocument).Methods(http.MethodPut)
	db.HandleFunc("/docs", h.DeleteDocument).Methods(http.MethodDelete)

	db.HandleFunc("/replication/conflicts", h.GetConflicts).Methods(http.MethodGet)
	db.HandleFunc("/replication/tombstones", h.GetTombstones).Methods(http.MethodGet)
	db.HandleFunc("/replication/debug/incoming-rejection-info", h.GetIncomingRejectionInfo).Methods(http.MethodGet)
	db.HandleFunc("/replication/stats", h.GetReplicationStats).Methods(http.MethodGet)
	db.HandleFunc("/replication/last-etag", h.GetLastEtag).Methods(http.MethodGet)
	db.HandleFunc("/replication/batch", h.PostBatch).Methods(http.MethodPost)

	db.HandleFunc("/topology/full", h.GetTopology).Methods(http.MethodGet)

	db.HandleFunc("/admin/replication/conflicts/solver", h.GetConflictSolver).Methods(http.MethodGet)
	db.HandleFunc("/admin/replication/conflicts/solver", h.PutConflictSolver).Methods(http.MethodPut)
}

// Results wraps list responses
type Results[T any] struct {
	Results []T `json:"Results"`
}

// ConflictResult is one pending version of a conflicted document
type ConflictResult struct {
	Key          string             `json:"Key"`
	ChangeVector model.ChangeVector `json:"ChangeVector"`
	Doc          json.RawMessage    `json:"Doc,omitempty"`
	Deleted      bool               `json:"Deleted"`
	LastModified time.Time          `json:"LastModified"`
}

// TombstoneResult is one deleted document
type TombstoneResult struct {
	Key           string             `json:"Key"`
	Collection    string             `json:"Collection"`
	ChangeVector  model.ChangeVector `json:"ChangeVector"`
	DeletedAtEtag uint64             `json:"DeletedAtEtag"`
}

// LastEtagResponse answers the replication handshake
type LastEtagResponse struct {
	LastEtag uint64 `json:"LastEtag"`
}

// PutDocumentResponse describes a stored document
type PutDocumentResponse struct {
	ID           string             `json:"Id"`
	ChangeVector model.ChangeVector `json:"ChangeVector"`
	Etag         uint64             `json:"Etag"`
}

func (h *Handlers) database(w http.ResponseWriter, r *http.Request) (*database.Database, bool) {
	name := mux.Vars(r)["db"]
	db, ok := h.registry.Database(name)
	if !ok {
		h.errors.HandleError(w, r, apperrors.DatabaseNotFound(name))
		return nil, false
	}
	return db, true
}

func (h *Handlers) documentID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.URL.Query().Get("id")
	if id == "" {
		h.errors.WriteValidationError(w, r, "query parameter id is required")
		return "", false
	}
	return id, true
}

// GetDocument handles GET /databases/{db}/docs?id=
func (h *Handlers) GetDocument(w http.ResponseWriter, r *http.Request) {
	db, ok := h.database(w, r)
	if !ok {
		return
	}
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}

	doc, err := db.Get(id)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, doc)
}

// PutDocument handles PUT /databases/{db}/docs?id=&collection=
func (h *Handlers) PutDocument(w http.ResponseWriter, r *http.Request) {
	db, ok := h.database(w, r)
	if !ok {
		return
	}
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}

	var body json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBytes)).Decode(&body); err != nil {
		h.errors.WriteValidationError(w, r, "invalid document body: "+err.Error())
		return
	}

	doc, err := db.Put(id, r.URL.Query().Get("collection"), body)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusCreated, PutDocumentResponse{ID: doc.ID, ChangeVector: doc.ChangeVector, Etag: doc.Etag})
}

// DeleteDocument handles DELETE /databases/{db}/docs?id=
func (h *Handlers) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	db, ok := h.database(w, r)
	if !ok {
		return
	}
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}

	if _, err := db.Delete(id); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetConflicts handles GET /databases/{db}/replication/conflicts?docId=
func (h *Handlers) GetConflicts(w http.ResponseWriter, r *http.Request) {
	db, ok := h.database(w, r)
	if !ok {
		return
	}

	conflicts := make(map[string][]model.DocumentVersion)
	if docID := r.URL.Query().Get("docId"); docID != "" {
		if versions := db.Conflicts().ListConflicts(docID); len(versions) > 0 {
			conflicts[docID] = versions
		}
	} else {
		conflicts = db.Conflicts().ListAll()
	}

	out := Results[ConflictResult]{Results: make([]ConflictResult, 0)}
	for _, docID := range db.Conflicts().DocumentIDs() {
		for _, v := range conflicts[docID] {
			out.Results = append(out.Results, ConflictResult{
				Key:          docID,
				ChangeVector: v.ChangeVector,
				Doc:          v.Data,
				Deleted:      v.Deleted,
				LastModified: v.LastModified,
			})
		}
	}
	h.writeJSONResponse(w, http.StatusOK, out)
}

// GetTombstones handles GET /databases/{db}/replication/tombstones
func (h *Handlers) GetTombstones(w http.ResponseWriter, r *http.Request) {
	db, ok := h.database(w, r)
	if !ok {
		return
	}

	out := Results[TombstoneResult]{Results: make([]TombstoneResult, 0)}
	for _, ts := range db.Documents().Tombstones() {
		out.Results = append(out.Results, TombstoneResult{
			Key:           ts.ID,
			Collection:    ts.Collection,
			ChangeVector:  ts.ChangeVector,
			DeletedAtEtag: ts.DeletedAtEtag,
		})
	}
	h.writeJSONResponse(w, http.StatusOK, out)
}

// GetIncomingRejectionInfo handles GET /databases/{db}/replication/debug/incoming-rejection-info
func (h *Handlers) GetIncomingRejectionInfo(w http.ResponseWriter, r *http.Request) {
	db, ok := h.database(w, r)
	if !ok {
		return
	}
	h.writeJSONResponse(w, http.StatusOK, db.Incoming().RejectionInfo())
}

// GetReplicationStats handles GET /databases/{db}/replication/stats
func (h *Handlers) GetReplicationStats(w http.ResponseWriter, r *http.Request) {
	db, ok := h.database(w, r)
	if !ok {
		return
	}
	h.writeJSONResponse(w, http.StatusOK, Results[model.DestinationStats]{Results: db.Replication().Stats()})
}

// GetLastEtag handles GET /databases/{db}/replication/last-etag?dbid=
func (h *Handlers) GetLastEtag(w http.ResponseWriter, r *http.Request) {
	db, ok := h.database(w, r)
	if !ok {
		return
	}
	source, err := uuid.Parse(r.URL.Query().Get("dbid"))
	if err != nil {
		h.errors.WriteValidationError(w, r, "query parameter dbid must be a database id")
		return
	}
	h.writeJSONResponse(w, http.StatusOK, LastEtagResponse{LastEtag: db.Incoming().LastAcceptedEtag(source)})
}

// PostBatch handles POST /databases/{db}/replication/batch
func (h *Handlers) PostBatch(w http.ResponseWriter, r *http.Request) {
	db, ok := h.database(w, r)
	if !ok {
		return
	}

	var batch model.ReplicationBatch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBytes)).Decode(&batch); err != nil {
		h.errors.WriteValidationError(w, r, "invalid replication batch: "+err.Error())
		return
	}

	ack, err := db.Incoming().HandleBatch(r.Context(), &batch)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, ack)
}

// GetTopology handles GET /databases/{db}/topology/full
func (h *Handlers) GetTopology(w http.ResponseWriter, r *http.Request) {
	db, ok := h.database(w, r)
	if !ok {
		return
	}

	topology := db.Topology().Current()
	if topology == nil {
		topology = &model.Topology{Nodes: []model.ServerNode{}}
	}
	h.writeJSONResponse(w, http.StatusOK, topology)
}

// GetConflictSolver handles GET /databases/{db}/admin/replication/conflicts/solver
func (h *Handlers) GetConflictSolver(w http.ResponseWriter, r *http.Request) {
	db, ok := h.database(w, r)
	if !ok {
		return
	}
	cfg := db.ConflictSolver()
	if cfg == nil {
		cfg = &model.ConflictSolverConfig{}
	}
	h.writeJSONResponse(w, http.StatusOK, cfg)
}

// PutConflictSolver handles PUT /databases/{db}/admin/replication/conflicts/solver
func (h *Handlers) PutConflictSolver(w http.ResponseWriter, r *http.Request) {
	db, ok := h.database(w, r)
	if !ok {
		return
	}

	var cfg model.ConflictSolverConfig
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBytes)).Decode(&cfg); err != nil {
		h.errors.WriteValidationError(w, r, "invalid conflict solver: "+err.Error())
		return
	}
	if err := db.SetConflictSolver(&cfg); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	h.logger.Info("Conflict solver updated",
		zap.String("db", db.Name()),
		zap.Bool("resolve_to_latest", cfg.ResolveToLatest),
		zap.Int("collection_scripts", len(cfg.ResolveByCollection)))
	h.writeJSONResponse(w, http.StatusOK, db.ConflictSolver())
}

// writeJSONResponse writes a JSON response to the HTTP response writer.
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

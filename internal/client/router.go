// Package client talks to replicator nodes with topology aware failover.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	apperrors "github.com/devrev/pairdb/replicator/internal/errors"
	"github.com/devrev/pairdb/replicator/internal/handler"
	"github.com/devrev/pairdb/replicator/internal/metrics"
	"github.com/devrev/pairdb/replicator/internal/model"
	"github.com/devrev/pairdb/replicator/internal/topology"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// Config configures a Router
type Config struct {
	Database string
	SeedURLs []string
	Timeout  time.Duration
}

// NodeStatus is the failover history of one node
type NodeStatus struct {
	URL         string    `json:"Url"`
	Failures    int       `json:"Failures"`
	LastError   string    `json:"LastError,omitempty"`
	LastFailure time.Time `json:"LastFailure,omitempty"`
	LastSuccess time.Time `json:"LastSuccess,omitempty"`
}

// ResponseError is a non-2xx reply from a node
type ResponseError struct {
	URL        string
	StatusCode int
	Body       handler.ErrorResponse
}

func (e *ResponseError) Error() string {
	if e.Body.Message != "" {
		return fmt.Sprintf("%s returned %d %s: %s", e.URL, e.StatusCode, e.Body.ErrorCode, e.Body.Message)
	}
	return fmt.Sprintf("%s returned %d", e.URL, e.StatusCode)
}

// Unwrap exposes the typed error carried by the response body
func (e *ResponseError) Unwrap() error {
	return apperrors.NewReplicationError(apperrors.ParseCode(e.Body.ErrorCode), e.Body.Message, nil)
}

// Router sends each operation to the preferred node of a database and fails over
// through the rest of the topology when a node is unreachable.
type Router struct {
	database   string
	seeds      []model.ServerNode
	cache      *topology.Cache
	httpClient *http.Client
	preferred  atomic.Pointer[string] // URL of the last node that answered
	status     *xsync.MapOf[string, NodeStatus]
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewRouter creates a router. Seeds are used until the cache holds a topology.
func NewRouter(cfg Config, cache *topology.Cache, m *metrics.Metrics, logger *zap.Logger) *Router {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	seeds := make([]model.ServerNode, 0, len(cfg.SeedURLs))
	for _, u := range cfg.SeedURLs {
		seeds = append(seeds, model.ServerNode{URL: strings.TrimRight(u, "/"), Database: cfg.Database})
	}
	if cache == nil {
		cache = topology.NewCache(cfg.Database, nil, m, logger)
	}

	return &Router{
		database:   cfg.Database,
		seeds:      seeds,
		cache:      cache,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		status:     xsync.NewMapOf[string, NodeStatus](),
		metrics:    m,
		logger:     logger.With(zap.String("db", cfg.Database)),
	}
}

// Nodes returns the candidate nodes in topology order
func (r *Router) Nodes() []model.ServerNode {
	if t := r.cache.Current(); t != nil && len(t.Nodes) > 0 {
		return t.Nodes
	}
	return r.seeds
}

// Preferred returns the node tried first by the next operation
func (r *Router) Preferred() (model.ServerNode, bool) {
	nodes := r.Nodes()
	if len(nodes) == 0 {
		return model.ServerNode{}, false
	}
	return nodes[r.preferredIndex(nodes)], true
}

// preferredIndex locates the last-known-good node in nodes, or 0 when it left the topology
func (r *Router) preferredIndex(nodes []model.ServerNode) int {
	preferred := r.preferred.Load()
	if preferred == nil {
		return 0
	}
	for i, node := range nodes {
		if node.URL == *preferred {
			return i
		}
	}
	return 0
}

// Execute runs fn against the preferred node, then each following node, wrapping once.
// Only unreachability moves on to the next node; any other error is returned as is.
func (r *Router) Execute(ctx context.Context, fn func(ctx context.Context, node model.ServerNode) error) error {
	nodes := r.Nodes()
	if len(nodes) == 0 {
		return apperrors.AllNodesUnreachable(r.database, 0, errors.New("no known nodes"))
	}

	start := r.preferredIndex(nodes)
	var causes []error
	for i := 0; i < len(nodes); i++ {
		idx := (start + i) % len(nodes)
		node := nodes[idx]

		err := fn(ctx, node)
		if err == nil {
			r.markSuccess(node)
			if i > 0 {
				nodeURL := node.URL
				r.preferred.Store(&nodeURL)
				if r.metrics != nil {
					r.metrics.RecordFailover(r.database)
				}
				r.logger.Info("Failed over to another node",
					zap.String("node", node.URL),
					zap.Int("skipped", i))
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !unreachable(err) {
			return err
		}

		r.markFailed(node, err)
		causes = append(causes, fmt.Errorf("%s: %w", node.URL, err))
	}

	return apperrors.AllNodesUnreachable(r.database, len(nodes), errors.Join(causes...))
}

// unreachable reports whether err means the node could not serve the request at all
func unreachable(err error) bool {
	var respErr *ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusServiceUnavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}

func (r *Router) markSuccess(node model.ServerNode) {
	r.status.Compute(node.URL, func(old NodeStatus, loaded bool) (NodeStatus, bool) {
		old.URL = node.URL
		old.LastSuccess = time.Now().UTC()
		return old, false
	})
}

func (r *Router) markFailed(node model.ServerNode, err error) {
	r.status.Compute(node.URL, func(old NodeStatus, loaded bool) (NodeStatus, bool) {
		old.URL = node.URL
		old.Failures++
		old.LastError = err.Error()
		old.LastFailure = time.Now().UTC()
		return old, false
	})
	r.logger.Warn("Node unreachable", zap.String("node", node.URL), zap.Error(err))
}

// NodeStatus returns the failover history of every node contacted so far, ordered by URL
func (r *Router) NodeStatus() []NodeStatus {
	out := make([]NodeStatus, 0, r.status.Size())
	r.status.Range(func(_ string, st NodeStatus) bool {
		out = append(out, st)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// request performs one call against the database on node and decodes a JSON reply into out
func (r *Router) request(ctx context.Context, node model.ServerNode, method, path string, query url.Values, body, out interface{}) error {
	database := node.Database
	if database == "" {
		database = r.database
	}
	target := node.URL + "/databases/" + url.PathEscape(database) + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respErr := &ResponseError{URL: node.URL, StatusCode: resp.StatusCode}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&respErr.Body)
		return respErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

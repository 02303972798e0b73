// Package replication streams local changes of a database to its destinations.
package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/devrev/pairdb/replicator/internal/model"
	"github.com/google/uuid"
)

// Destination is a database on another node that receives our changes
type Destination struct {
	URL      string
	Database string
}

// String returns the destination as url/databases/name
func (d Destination) String() string {
	return strings.TrimRight(d.URL, "/") + "/databases/" + url.PathEscape(d.Database)
}

// Transport carries replication traffic to a destination
type Transport interface {
	// LastAcceptedEtag asks dest for the last source etag it accepted from source
	LastAcceptedEtag(ctx context.Context, dest Destination, source uuid.UUID) (uint64, error)
	// SendBatch delivers batch and returns the destination's acknowledgement
	SendBatch(ctx context.Context, dest Destination, batch *model.ReplicationBatch) (*model.ReplicationAck, error)
}

// HTTPTransport implements Transport over the replication HTTP endpoints
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a transport whose requests time out after timeout
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type lastEtagResponse struct {
	LastEtag uint64 `json:"LastEtag"`
}

// LastAcceptedEtag implements Transport
func (t *HTTPTransport) LastAcceptedEtag(ctx context.Context, dest Destination, source uuid.UUID) (uint64, error) {
	endpoint := dest.String() + "/replication/last-etag?dbid=" + url.QueryEscape(source.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}

	var out lastEtagResponse
	if err := t.do(req, &out); err != nil {
		return 0, err
	}
	return out.LastEtag, nil
}

// SendBatch implements Transport
func (t *HTTPTransport) SendBatch(ctx context.Context, dest Destination, batch *model.ReplicationBatch) (*model.ReplicationAck, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.String()+"/replication/batch", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var ack model.ReplicationAck
	if err := t.do(req, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (t *HTTPTransport) do(req *http.Request, out interface{}) error {
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

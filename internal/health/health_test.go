package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/devrev/pairdb/replicator/internal/database"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticLister []*database.Database

func (s staticLister) Databases() []*database.Database { return s }

func TestLiveness(t *testing.T) {
	hc := NewHealthCheck(staticLister(nil), zap.NewNop())
	rec := httptest.NewRecorder()
	hc.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestReadiness(t *testing.T) {
	db := database.New(database.Options{Name: "orders", DbID: uuid.New(), ResolverWorkers: 1, Logger: zap.NewNop()})
	t.Cleanup(func() { db.Stop(time.Second) })

	hc := NewHealthCheck(staticLister{db}, zap.NewNop())

	rec := httptest.NewRecorder()
	hc.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	hc.SetReady(true)
	rec = httptest.NewRecorder()
	hc.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ReadinessResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "conflicts=0 faulted_channels=0", resp.Checks["orders"])
}

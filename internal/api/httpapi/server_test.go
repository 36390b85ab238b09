package httpapi

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edirooss/spfresh/internal/index/engine"
	"github.com/edirooss/spfresh/internal/index/vectors"
)

func testEngine(t *testing.T) *engine.Engine[float32] {
	t.Helper()
	e, err := engine.New[float32](engine.Options{
		Dim:                     8,
		Distance:                vectors.L2,
		IndexDir:                t.TempDir(),
		CapacityBlocks:          1024,
		BufferSyncInterval:      10 * time.Millisecond,
		SearchInternalResultNum: 64,
	}, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	rng := rand.New(rand.NewSource(1))
	vecs := make([][]float32, 50)
	for i := range vecs {
		v := make([]float32, 8)
		for j := range v {
			v[j] = rng.Float32() * 10
		}
		vecs[i] = v
	}
	require.NoError(t, e.Build(vecs))
	return e
}

func TestPing(t *testing.T) {
	r := Routes(testEngine(t), zap.NewNop())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/ping", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"message":"pong"}`, w.Body.String())
}

func TestStatsEndpoint(t *testing.T) {
	r := Routes(testEngine(t), zap.NewNop())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var stats engine.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	require.Equal(t, uint32(50), stats.Vectors)
	require.Greater(t, stats.Postings, 0)
}

func TestSearchEndpoint(t *testing.T) {
	e := testEngine(t)
	r := Routes(e, zap.NewNop())

	body := `{"query":[1,2,3,4,5,6,7,8],"k":3}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Results []engine.Result `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Results)
}

func TestSearchEndpointBadDim(t *testing.T) {
	r := Routes(testEngine(t), zap.NewNop())
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader(`{"query":[1,2],"k":3}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestPostingEndpoint(t *testing.T) {
	e := testEngine(t)
	r := Routes(e, zap.NewNop())

	pids := e.Store().Pids()
	require.NotEmpty(t, pids)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet,
		"/api/postings/"+strconv.FormatUint(uint64(pids[0]), 10), nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/postings/999999", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/postings/notanumber", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/layershard/layershard/api"
	"github.com/layershard/layershard/internal/router"
)

type fakeTokenizer struct{}

func (fakeTokenizer) Encode(prompt string) ([]int32, error) { return []int32{1, 2, 3}, nil }
func (fakeTokenizer) Decode(tokens []int32) (string, error) { return "decoded", nil }

type fakeSampler struct{ calls int }

func (f *fakeSampler) Sample(logits []float32, temperature, topP float64) (int32, error) {
	f.calls++
	return int32(f.calls), nil
}

func newFakeWorker(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/forward", func(w http.ResponseWriter, r *http.Request) {
		var req api.ForwardRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(api.ForwardResponse{RequestID: req.RequestID, HiddenStates: []float32{0.1, 0.2}})
	})
	return httptest.NewServer(mux)
}

func TestCoordinatorInferEndToEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)
	worker := newFakeWorker(t)
	defer worker.Close()

	r := router.New(3)
	r.RegisterWorker(router.WorkerInfo{Endpoint: worker.URL})

	sampler := &fakeSampler{}
	engine := NewCoordinatorServer(r, fakeTokenizer{}, sampler)

	body := `{"model_id":"m","prompt":"hello","max_tokens":2,"temperature":0.7,"top_p":0.9}`
	req := httptest.NewRequest(http.MethodPost, "/v1/infer", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp api.InferenceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "decoded", resp.Text)
	require.Equal(t, 3, resp.PromptTokens)
	require.Equal(t, 2, resp.CompletionTokens)
}

func TestCoordinatorInferNoHealthyWorker(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := router.New(3)
	engine := NewCoordinatorServer(r, fakeTokenizer{}, &fakeSampler{})

	body := `{"model_id":"m","prompt":"hello","max_tokens":1}`
	req := httptest.NewRequest(http.MethodPost, "/v1/infer", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCoordinatorStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := router.New(3)
	r.RegisterWorker(router.WorkerInfo{Endpoint: "http://a"})
	engine := NewCoordinatorServer(r, fakeTokenizer{}, &fakeSampler{})

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp api.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Workers, 1)
	require.Equal(t, "http://a", resp.Workers[0].Endpoint)
}

package server

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/layershard/layershard/api"
	"github.com/layershard/layershard/internal/apperr"
	"github.com/layershard/layershard/internal/router"
)

// Tokenizer and Sampler are the coordinator's external collaborators:
// turning a prompt into token ids and turning a logits vector into the
// next token id are both out of this repository's scope (spec.md's own
// non-goals), so the coordinator depends on the interfaces rather than
// an implementation.
type Tokenizer interface {
	Encode(prompt string) ([]int32, error)
	Decode(tokens []int32) (string, error)
}

type Sampler interface {
	Sample(logits []float32, temperature, topP float64) (int32, error)
}

// CoordinatorServer routes client inference requests to the
// least-loaded healthy worker pipeline and drives the per-token
// generation loop against it.
type CoordinatorServer struct {
	r         *router.Router
	tokenizer Tokenizer
	sampler   Sampler
	httpc     *http.Client
}

// NewCoordinatorServer builds the gin.Engine for a coordinator.
func NewCoordinatorServer(r *router.Router, tokenizer Tokenizer, sampler Sampler) *gin.Engine {
	cs := &CoordinatorServer{r: r, tokenizer: tokenizer, sampler: sampler, httpc: &http.Client{Timeout: 30 * time.Second}}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.Default())
	engine.POST("/v1/infer", cs.handleInfer)
	engine.GET("/v1/status", cs.handleStatus)
	return engine
}

func (cs *CoordinatorServer) handleInfer(c *gin.Context) {
	var req api.InferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(apperr.HTTPStatus(apperr.Parse), gin.H{"error": err.Error()})
		return
	}

	tokens, err := cs.tokenizer.Encode(req.Prompt)
	if err != nil {
		writeErr(c, apperr.Wrap(apperr.InvalidInput, "server.handleInfer", err))
		return
	}

	endpoint, err := cs.r.SelectWorker()
	if err != nil {
		writeErr(c, err)
		return
	}

	seqID := newSequenceID()
	generated, err := cs.generate(c.Request.Context(), endpoint, seqID, tokens, req)
	if err != nil {
		writeErr(c, err)
		return
	}

	text, err := cs.tokenizer.Decode(generated)
	if err != nil {
		writeErr(c, apperr.Wrap(apperr.Internal, "server.handleInfer", err))
		return
	}

	c.JSON(http.StatusOK, api.InferenceResponse{
		Text:             text,
		PromptTokens:     len(tokens),
		CompletionTokens: len(generated),
	})
}

// generate drives the autoregressive loop: prefill with the prompt
// tokens, then repeatedly sample and forward one token at a time until
// max_tokens is reached. Every hop goes through the same worker
// endpoint, since SelectWorker names the entry point to a whole pipeline
// rather than a single layer-range worker.
func (cs *CoordinatorServer) generate(ctx context.Context, endpoint string, seqID uint64, promptTokens []int32, req api.InferenceRequest) ([]int32, error) {
	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, apperr.Wrap(apperr.Config, "server.generate", err)
	}
	client := api.NewClient(base, cs.httpc)

	resp, err := client.Forward(ctx, api.ForwardRequest{RequestID: uuid.NewString(), SequenceID: seqID, Tokens: promptTokens})
	if err != nil {
		return nil, apperr.Wrap(apperr.GrpcTransport, "server.generate", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 256
	}

	generated := make([]int32, 0, maxTokens)
	logits := resp.HiddenStates
	for i := 0; i < maxTokens; i++ {
		next, err := cs.sampler.Sample(logits, req.Temperature, req.TopP)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "server.generate", err)
		}
		generated = append(generated, next)

		resp, err = client.Forward(ctx, api.ForwardRequest{RequestID: uuid.NewString(), SequenceID: seqID, Tokens: []int32{next}})
		if err != nil {
			return nil, apperr.Wrap(apperr.GrpcTransport, "server.generate", err)
		}
		logits = resp.HiddenStates
	}
	return generated, nil
}

func (cs *CoordinatorServer) handleStatus(c *gin.Context) {
	snap := cs.r.Snapshot()
	out := api.StatusResponse{Workers: make([]api.WorkerStatus, len(snap))}
	for i, w := range snap {
		out.Workers[i] = api.WorkerStatus{
			Endpoint:     w.Endpoint,
			WorkerID:     w.WorkerID,
			StartLayer:   w.StartLayer,
			EndLayer:     w.EndLayer,
			QueueDepth:   w.QueueDepth,
			Healthy:      w.Healthy,
			FailureCount: w.FailureCount,
		}
	}
	c.JSON(http.StatusOK, out)
}

func newSequenceID() uint64 {
	id := uuid.New()
	var v uint64
	for _, b := range id[:8] {
		v = v<<8 | uint64(b)
	}
	return v
}

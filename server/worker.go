// Package server hosts the two gin.Engine HTTP wirings the binary
// serves: a worker's forward-RPC and health endpoints, and a
// coordinator's client-facing inference and status endpoints.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/layershard/layershard/api"
	"github.com/layershard/layershard/internal/apperr"
	"github.com/layershard/layershard/internal/engine"
	"github.com/layershard/layershard/internal/scheduler"
)

// WorkerServer fronts one worker's owned layer range: it admits
// incoming forward requests into the scheduler and correlates the
// engine's asynchronous batch output back to the HTTP handler that is
// still blocked waiting for it. When next is non-nil this worker is not
// the last in its pipeline: its own output is handed off to the next
// worker's /forward rather than returned directly to its caller.
type WorkerServer struct {
	sched *scheduler.Scheduler
	eng   *engine.Engine
	embed *engine.EmbeddingTable
	next  *api.Client

	mu      sync.Mutex
	pending map[string]chan engine.RequestResult
}

// NewWorkerServer builds the gin.Engine for a worker. next is the
// downstream worker's client, or nil if this worker owns the last layer
// range in its pipeline and should respond to callers directly. Callers
// must also start Run in a background goroutine to drive the
// scheduler's consumer loop.
func NewWorkerServer(sched *scheduler.Scheduler, eng *engine.Engine, embed *engine.EmbeddingTable, next *api.Client) (*gin.Engine, *WorkerServer) {
	ws := &WorkerServer{sched: sched, eng: eng, embed: embed, next: next, pending: make(map[string]chan engine.RequestResult)}

	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/forward", ws.handleForward)
	r.GET("/health", ws.handleHealth)
	return r, ws
}

// Run starts the scheduler's consumer loop, dispatching every batch's
// results to whichever HTTP handler is waiting on it. It blocks until
// ctx is canceled.
func (ws *WorkerServer) Run(ctx context.Context) error {
	// startPos is always 0: every HTTP forward call carries exactly one
	// new position's worth of activations, and the sequence's true
	// position is tracked inside the KV cache itself.
	decodeHidden := func(r scheduler.Request) ([][]float32, int, error) {
		var rows [][]float32
		if err := json.Unmarshal(r.Metadata, &rows); err != nil {
			return nil, 0, apperr.Wrap(apperr.Parse, "server.WorkerServer.Run", err)
		}
		return rows, 0, nil
	}
	return engine.Run(ctx, ws.sched, ws.eng, ws.embed, decodeHidden, ws.dispatch)
}

func (ws *WorkerServer) dispatch(res engine.RequestResult) {
	ws.mu.Lock()
	ch, ok := ws.pending[res.RequestID]
	if ok {
		delete(ws.pending, res.RequestID)
	}
	ws.mu.Unlock()
	if ok {
		ch <- res
	}
}

func (ws *WorkerServer) handleForward(c *gin.Context) {
	var req api.ForwardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(apperr.HTTPStatus(apperr.Parse), gin.H{"error": err.Error()})
		return
	}

	metadata, err := forwardRequestMetadata(req)
	if err != nil {
		writeErr(c, err)
		return
	}

	ch := make(chan engine.RequestResult, 1)
	ws.mu.Lock()
	ws.pending[req.RequestID] = ch
	ws.mu.Unlock()

	submitErr := ws.sched.Submit(scheduler.Request{
		RequestID:   req.RequestID,
		SequenceID:  req.SequenceID,
		Tokens:      req.Tokens,
		ArrivalTime: time.Now(),
		Metadata:    metadata,
	})
	if submitErr != nil {
		ws.mu.Lock()
		delete(ws.pending, req.RequestID)
		ws.mu.Unlock()
		writeErr(c, submitErr)
		return
	}

	select {
	case <-c.Request.Context().Done():
		writeErr(c, apperr.New(apperr.Timeout, "server.handleForward", "client disconnected before batch completed"))
	case res := <-ch:
		if res.Err != nil {
			writeErr(c, res.Err)
			return
		}
		var hidden []float32
		if len(res.Output.HiddenStates) > 0 {
			hidden = res.Output.HiddenStates[len(res.Output.HiddenStates)-1]
		}

		if ws.next == nil {
			c.JSON(http.StatusOK, api.ForwardResponse{RequestID: req.RequestID, HiddenStates: hidden})
			return
		}

		downstream, err := ws.next.Forward(c.Request.Context(), api.ForwardRequest{
			RequestID:    req.RequestID,
			SequenceID:   req.SequenceID,
			HiddenStates: hidden,
		})
		if err != nil {
			writeErr(c, apperr.Wrap(apperr.GrpcTransport, "server.handleForward", err))
			return
		}
		c.JSON(http.StatusOK, *downstream)
	}
}

func forwardRequestMetadata(req api.ForwardRequest) ([]byte, error) {
	if len(req.Tokens) > 0 {
		return nil, nil
	}
	buf, err := json.Marshal([][]float32{req.HiddenStates})
	if err != nil {
		return nil, apperr.Wrap(apperr.Serialization, "server.forwardRequestMetadata", err)
	}
	return buf, nil
}

func (ws *WorkerServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, api.HealthResponse{Serving: true})
}

func writeErr(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	c.JSON(apperr.HTTPStatus(kind), gin.H{"error": err.Error()})
}

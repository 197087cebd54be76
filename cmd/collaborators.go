package cmd

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/layershard/layershard/api"
	"github.com/layershard/layershard/internal/apperr"
)

func httpClientForProbe() *http.Client {
	return &http.Client{Timeout: 5 * time.Second}
}

// whitespaceTokenizer is a placeholder Tokenizer: a real deployment
// supplies a BPE or SentencePiece tokenizer matched to the served model
// (spec.md's own non-goals exclude tokenization from this repository's
// scope). It exists so `serve coordinator` has something concrete to
// wire server.NewCoordinatorServer against.
type whitespaceTokenizer struct{}

func (whitespaceTokenizer) Encode(prompt string) ([]int32, error) {
	fields := strings.Fields(prompt)
	out := make([]int32, len(fields))
	for i, f := range fields {
		out[i] = int32(len(f)) // placeholder token id, never meant to round-trip meaningfully
	}
	return out, nil
}

func (whitespaceTokenizer) Decode(tokens []int32) (string, error) {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = strconv.Itoa(int(t))
	}
	return strings.Join(parts, " "), nil
}

// greedySampler is a placeholder Sampler: argmax over logits, ignoring
// temperature and top_p. A real deployment supplies nucleus or
// temperature sampling as its own external collaborator.
type greedySampler struct{}

func (greedySampler) Sample(logits []float32, temperature, topP float64) (int32, error) {
	if len(logits) == 0 {
		return 0, apperr.New(apperr.InvalidInput, "cmd.greedySampler.Sample", "empty logits")
	}
	best, bestScore := 0, logits[0]
	for i, v := range logits[1:] {
		if v > bestScore {
			best, bestScore = i+1, v
		}
	}
	return int32(best), nil
}

// httpProber probes a worker's /health endpoint over HTTP for the
// router's health loop.
type httpProber struct{}

func (httpProber) Probe(ctx context.Context, endpoint string) error {
	base, err := url.Parse(endpoint)
	if err != nil {
		return apperr.Wrap(apperr.Config, "cmd.httpProber.Probe", err)
	}
	client := api.NewClient(base, httpClientForProbe())
	resp, err := client.Health(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Connection, "cmd.httpProber.Probe", err)
	}
	if !resp.Serving {
		return apperr.New(apperr.WorkerUnavailable, "cmd.httpProber.Probe", "worker reports not serving")
	}
	return nil
}

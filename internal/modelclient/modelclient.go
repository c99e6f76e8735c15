// Package modelclient implements the two external collaborators spec §1
// names as "specified only as a request/response contract": the
// label-inference model (internal/inference.ModelClient) and the
// embedding function (internal/retriever.Embedder). Both are thin HTTP
// JSON clients over a configurable endpoint — this package carries no
// opinion about which model or embedding service is actually running
// behind that endpoint.
//
// Grounded on quay/claircore's cmd/libvulnhttp convention of driving
// outbound HTTP through a single shared *http.Client rather than a
// generated SDK; no HTTP client library beyond net/http appears anywhere
// in the retrieved pack for this kind of "call a configured JSON
// endpoint" concern.
package modelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ciscopsirt/matchd"
)

// Config points a Client at a running model/embedding endpoint.
type Config struct {
	CompletionURL string
	EmbeddingURL  string
	APIKey        string
	HTTPClient    *http.Client
}

// Client implements both internal/inference.ModelClient and
// internal/retriever.Embedder against the same configured service.
type Client struct {
	cfg Config
	hc  *http.Client
}

const defaultTimeout = 30 * time.Second

func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{cfg: cfg, hc: hc}
}

type completionRequest struct {
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

type completionResponse struct {
	Text string `json:"text"`
}

// completionTemperature and completionMaxTokens implement spec §4.8's
// "temperature ~0.2" and bounded-output-length requirements for the model
// call; the engine itself owns the wall-clock timeout via ctx.
const (
	completionTemperature = 0.2
	completionMaxTokens   = 512
)

// Complete implements internal/inference.ModelClient.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	reqBody, err := json.Marshal(completionRequest{Prompt: prompt, Temperature: completionTemperature, MaxTokens: completionMaxTokens})
	if err != nil {
		return "", &matchd.Error{Op: "modelclient.Complete", Kind: matchd.ErrInternal, Inner: err}
	}
	var resp completionResponse
	if err := c.post(ctx, c.cfg.CompletionURL, reqBody, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed implements internal/retriever.Embedder.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody, err := json.Marshal(embedRequest{Text: text})
	if err != nil {
		return nil, &matchd.Error{Op: "modelclient.Embed", Kind: matchd.ErrInternal, Inner: err}
	}
	var resp embedResponse
	if err := c.post(ctx, c.cfg.EmbeddingURL, reqBody, &resp); err != nil {
		return nil, err
	}
	return resp.Embedding, nil
}

func (c *Client) post(ctx context.Context, url string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &matchd.Error{Op: "modelclient.post", Kind: matchd.ErrInternal, Inner: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return &matchd.Error{Op: "modelclient.post", Kind: matchd.ErrUpstream, Message: "request to " + url + " failed", Inner: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &matchd.Error{Op: "modelclient.post", Kind: matchd.ErrUpstream,
			Message: fmt.Sprintf("%s returned status %d: %s", url, resp.StatusCode, string(b))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &matchd.Error{Op: "modelclient.post", Kind: matchd.ErrUpstream, Message: "decoding response from " + url, Inner: err}
	}
	return nil
}

// Package embed provides a client for the text embedding API used by the
// embedding stage. Requests are batched and rate limited; transient HTTP
// failures are classified so the caller's retry policy can act on them.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/language"
	"golang.org/x/time/rate"

	"github.com/finlens/kpiflow/internal/resilience"
)

// DefaultBatchSize is the number of texts sent per API call.
const DefaultBatchSize = 25

// Model variants. The multilingual variant is selected for non-English
// document locales.
const (
	ModelEnglish      = "finembed-v2-en"
	ModelMultilingual = "finembed-v2-multilingual"
)

// Client defines the embedding operations.
type Client interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string, model string) ([][]float32, error)
}

// ModelForLocale selects the model variant for a document locale tag.
// Unparseable or empty locales fall back to the English variant.
func ModelForLocale(locale string) string {
	tag, err := language.Parse(locale)
	if err != nil || tag == language.Und {
		return ModelEnglish
	}
	base, _ := tag.Base()
	if base.String() == "en" {
		return ModelEnglish
	}
	return ModelMultilingual
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Option configures the embedding client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithBatchSize overrides the per-call batch size.
func WithBatchSize(n int) Option {
	return func(c *httpClient) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithRateLimit caps outgoing API calls per second.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

type httpClient struct {
	apiKey    string
	baseURL   string
	batchSize int
	limiter   *rate.Limiter
	http      *http.Client
}

// NewClient creates a new embedding API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:    apiKey,
		baseURL:   "https://api.finembed.dev",
		batchSize: DefaultBatchSize,
		limiter:   rate.NewLimiter(rate.Limit(10), 2),
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Embed(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := c.embedBatch(ctx, texts[start:end], model)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (c *httpClient) embedBatch(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "embed: rate limiter wait")
	}

	payload, err := json.Marshal(embedRequest{Model: model, Input: texts})
	if err != nil {
		return nil, eris.Wrap(err, "embed: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "embed: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.Transient(eris.Wrap(err, "embed: request failed"), 0)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.Transient(eris.Wrap(err, "embed: read response body"), resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := eris.Errorf("embed: status %d: %s", resp.StatusCode, string(body))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.Transient(apiErr, resp.StatusCode)
		}
		return nil, resilience.Permanent(apiErr)
	}

	var result embedResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, resilience.Permanent(eris.Wrap(err, "embed: unmarshal response"))
	}
	if len(result.Data) != len(texts) {
		return nil, resilience.Permanent(eris.Errorf("embed: got %d vectors for %d texts", len(result.Data), len(texts)))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, resilience.Permanent(eris.Errorf("embed: vector index %d out of range", d.Index))
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

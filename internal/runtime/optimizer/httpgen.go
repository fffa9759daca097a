package optimizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPGenerator forwards generation to an upstream model service over HTTP.
// It is the production Generator; tests and development builds substitute a
// GeneratorFunc.
type HTTPGenerator struct {
	url    string
	client *http.Client
}

type generateRequest struct {
	Prompt  string         `json:"prompt"`
	Tier    Tier           `json:"tier"`
	Context map[string]any `json:"context,omitempty"`
}

type generateResponse struct {
	Text string `json:"text"`
}

// NewHTTPGenerator builds a generator against the upstream URL. The timeout
// caps a single upstream exchange; the per-request deadline still applies
// through the context.
func NewHTTPGenerator(url string, timeout time.Duration) (*HTTPGenerator, error) {
	if url == "" {
		return nil, fmt.Errorf("optimizer: upstream url required")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPGenerator{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Generate implements Generator.
func (g *HTTPGenerator) Generate(ctx context.Context, prompt string, tier Tier, contextData map[string]any) (string, error) {
	body, err := json.Marshal(generateRequest{Prompt: prompt, Tier: tier, Context: contextData})
	if err != nil {
		return "", fmt.Errorf("optimizer: encode upstream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("optimizer: build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("optimizer: upstream call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("optimizer: upstream status %d: %s", resp.StatusCode, string(snippet))
	}

	var decoded generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("optimizer: decode upstream response: %w", err)
	}
	return decoded.Text, nil
}

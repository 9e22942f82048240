package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPBackend uploads batches to a sync sink over HTTP.
type HTTPBackend struct {
	url        string
	token      string
	source     string
	httpClient *http.Client
}

// NewHTTPBackend creates a backend posting to url. source identifies this
// node to the sink (its peer signature).
func NewHTTPBackend(url, token, source string) *HTTPBackend {
	return &HTTPBackend{
		url:        url,
		token:      token,
		source:     source,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (b *HTTPBackend) Upload(ctx context.Context, batch []Record) error {
	data, err := json.Marshal(Batch{Source: b.source, Records: batch})
	if err != nil {
		return fmt.Errorf("marshalling batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sync backend not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sync backend returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

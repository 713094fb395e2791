package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUpstream marks a non-2xx or malformed response from the directory service.
var ErrUpstream = errors.New("directory service error")

// DirectoryClient talks to the external directory/embeddings service that
// stores user profile documents and their 2-D embedding coordinates.
type DirectoryClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// EmbeddingResult is the neighbor query response: parallel slices of user
// labels and their projected coordinates.
type EmbeddingResult struct {
	Labels     []string    `json:"labels"`
	Embeddings [][]float64 `json:"embeddings_2d"`
}

// NewDirectoryClient constructs a client for the configured directory service.
// Returns nil when no directory is configured; the dependent routes are not
// registered in that case.
func NewDirectoryClient(cfg Config, logger *slog.Logger) *DirectoryClient {
	if cfg.Directory.BaseURL == "" {
		return nil
	}
	timeout := time.Duration(cfg.Directory.Timeout)
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &DirectoryClient{
		baseURL: strings.TrimSuffix(cfg.Directory.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// FindDocument fetches the raw profile document set for a user.
func (d *DirectoryClient) FindDocument(ctx context.Context, userID string) (map[string]any, error) {
	var doc map[string]any
	if err := d.getJSON(ctx, "/find_document", userID, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Query fetches the embedding neighborhood for a user.
func (d *DirectoryClient) Query(ctx context.Context, userID string) (*EmbeddingResult, error) {
	var result EmbeddingResult
	if err := d.getJSON(ctx, "/query", userID, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (d *DirectoryClient) getJSON(ctx context.Context, path, userID string, out any) error {
	u := d.baseURL + path + "?userId=" + url.QueryEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %s", ErrUpstream, path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrUpstream, path, err)
	}
	return nil
}

// profileFields extracts the document stored under results[label], if any.
func profileFields(doc map[string]any, label string) map[string]any {
	results, ok := doc["results"].(map[string]any)
	if !ok {
		return nil
	}
	fields, ok := results[label].(map[string]any)
	if !ok {
		return nil
	}
	return fields
}

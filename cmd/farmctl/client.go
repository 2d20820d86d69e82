package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// apiError is the decoded body of a non-2xx farmingd response.
type apiError struct {
	Status    int    `json:"-"`
	Message   string `json:"error"`
	Kind      string `json:"kind"`
	Shortfall string `json:"shortfall"`
	Refund    string `json:"refund"`
}

func (e *apiError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d", e.Status)
	if e.Kind != "" {
		fmt.Fprintf(&b, " %s", e.Kind)
	}
	fmt.Fprintf(&b, ": %s", e.Message)
	if e.Shortfall != "" {
		fmt.Fprintf(&b, " (shortfall %s)", e.Shortfall)
	}
	if e.Refund != "" {
		fmt.Fprintf(&b, " (refund %s)", e.Refund)
	}
	return b.String()
}

type apiClient struct {
	base   string
	http   *http.Client
	tokens *tokenSource
}

func newAPIClient(base string, tokens *tokenSource, timeout time.Duration) (*apiClient, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid api url %q", base)
	}
	return &apiClient{
		base:   base,
		http:   &http.Client{Timeout: timeout},
		tokens: tokens,
	}, nil
}

// call issues the request and returns the raw JSON body. Authenticated
// POSTs carry a fresh Idempotency-Key unless key is set.
func (c *apiClient) call(ctx context.Context, method, path string, body any, auth bool, key string) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		token, err := c.tokens.Get()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method == http.MethodPost {
		if key == "" {
			key = uuid.NewString()
		}
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		apiErr := &apiError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
		}
		return nil, apiErr
	}
	return data, nil
}

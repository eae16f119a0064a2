package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/marketpulse/marketpulse/internal/api/models"
)

// ErrAPINotRunning indicates the API refused the connection.
var ErrAPINotRunning = errors.New("api is not running (connection refused)")

// defaultHTTPClient is overridden in tests.
var defaultHTTPClient = &http.Client{
	Timeout: 30 * time.Second,
}

// apiClient provides HTTP access to a running MarketPulse API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(addr string) *apiClient {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &apiClient{
		baseURL: strings.TrimSuffix(addr, "/"),
		http:    defaultHTTPClient,
	}
}

// getJSON performs a GET request and decodes the JSON response into dest.
func (c *apiClient) getJSON(path string, dest interface{}) error {
	return c.do(http.MethodGet, path, dest)
}

// post performs a POST request without a body. dest may be nil.
func (c *apiClient) post(path string, dest interface{}) error {
	return c.do(http.MethodPost, path, dest)
}

func (c *apiClient) do(method, path string, dest interface{}) error {
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if isDialError(err) {
			return ErrAPINotRunning
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return problemError(resp)
	}
	if dest == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	return nil
}

// problemError turns a Problem+JSON body into an error, falling back to the raw body.
func problemError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var p models.Problem
	if json.Unmarshal(body, &p) == nil && p.Title != "" {
		msg := fmt.Sprintf("api returned %d %s", resp.StatusCode, p.Title)
		if p.Detail != "" {
			msg += ": " + p.Detail
		}
		for _, fe := range p.Errors {
			msg += fmt.Sprintf("\n  %s: %s", fe.Field, fe.Message)
		}
		return errors.New(msg)
	}
	return fmt.Errorf("api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// isDialError returns true if err is a net dial error (connection refused, etc.).
func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}

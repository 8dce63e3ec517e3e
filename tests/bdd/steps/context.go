//go:build bdd

// Package steps provides godog step definitions for BDD tests.
package steps

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// TestContext holds state shared across steps within a single scenario.
type TestContext struct {
	BaseURL        string
	LastStatusCode int
	LastBody       []byte
	LastJSON       map[string]interface{}

	client *http.Client

	webhookMu sync.Mutex
	webhook   *httptest.Server
	delivered []map[string]interface{}
}

// NewTestContext creates a fresh test context.
func NewTestContext(baseURL string) *TestContext {
	return &TestContext{
		BaseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// Close shuts down any webhook receiver the scenario started. The lock is
// released before Close so in-flight deliveries can finish recording.
func (tc *TestContext) Close() {
	tc.webhookMu.Lock()
	ws := tc.webhook
	tc.webhook = nil
	tc.webhookMu.Unlock()
	if ws != nil {
		ws.Close()
	}
}

// StartWebhook launches an in-process webhook receiver that records every
// delivered event, returning its callback URL.
func (tc *TestContext) StartWebhook() string {
	tc.webhookMu.Lock()
	defer tc.webhookMu.Unlock()

	tc.webhook = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Events []map[string]interface{} `json:"events"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		tc.webhookMu.Lock()
		tc.delivered = append(tc.delivered, payload.Events...)
		tc.webhookMu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	return tc.webhook.URL
}

// DeliveredEvents returns a snapshot of the events the webhook has received.
func (tc *TestContext) DeliveredEvents() []map[string]interface{} {
	tc.webhookMu.Lock()
	defer tc.webhookMu.Unlock()
	out := make([]map[string]interface{}, len(tc.delivered))
	copy(out, tc.delivered)
	return out
}

// DoRequest sends an HTTP request and stores the response.
func (tc *TestContext) DoRequest(method, path string, body interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, tc.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tc.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	tc.LastStatusCode = resp.StatusCode
	tc.LastBody, err = io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	tc.LastJSON = nil
	if len(tc.LastBody) > 0 && tc.LastBody[0] == '{' {
		var obj map[string]interface{}
		if err := json.Unmarshal(tc.LastBody, &obj); err == nil {
			tc.LastJSON = obj
		}
	}
	return nil
}

// GET sends a GET request.
func (tc *TestContext) GET(path string) error {
	return tc.DoRequest(http.MethodGet, path, nil)
}

// POST sends a POST request with a JSON body.
func (tc *TestContext) POST(path string, body interface{}) error {
	return tc.DoRequest(http.MethodPost, path, body)
}

// PUT sends a PUT request with a JSON body.
func (tc *TestContext) PUT(path string, body interface{}) error {
	return tc.DoRequest(http.MethodPut, path, body)
}

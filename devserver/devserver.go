// Package devserver renders pages through an external render server, such
// as a Node process running the Angular dev build.
//
// Each render is posted as JSON to {url}/render:
//
//	{"uuid": "...", "uri": "/home", "template": "<html>..."}
//
// and answered with:
//
//	{"uuid": "...", "html": "<html>...", "error": ""}
package devserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	universal "github.com/joetifa2003/universal"
)

const engineName = "devserver"

type renderRequest struct {
	UUID     string `json:"uuid"`
	URI      string `json:"uri"`
	Template string `json:"template"`
}

type renderResponse struct {
	UUID  string `json:"uuid"`
	HTML  string `json:"html"`
	Error string `json:"error"`
}

type config struct {
	client *http.Client
}

type Option func(c *config)

// WithHTTPClient replaces the client used to reach the render server.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) {
		c.client = client
	}
}

// WithTimeout bounds a single request to the render server. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.client = &http.Client{Timeout: d}
	}
}

// New returns an EngineFactory for the render server at url,
// e.g. "http://localhost:4000".
func New(url string, opts ...Option) universal.EngineFactory {
	cfg := &config{
		client: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	endpoint := strings.TrimSuffix(url, "/") + "/render"

	return universal.NewAdapterEngine(engineName, func(callback universal.RenderCallback) (universal.RenderAdapter, error) {
		return &adapter{
			endpoint: endpoint,
			client:   cfg.client,
			callback: callback,
		}, nil
	})
}

type adapter struct {
	endpoint string
	client   *http.Client
	callback universal.RenderCallback
}

// RenderPage posts the request and reports the answer asynchronously.
func (a *adapter) RenderPage(uuid, uri, template string) error {
	body, err := json.Marshal(renderRequest{UUID: uuid, URI: uri, Template: template})
	if err != nil {
		return err
	}

	go func() {
		result, err := a.post(body)
		if err != nil {
			a.callback(uuid, "", err)
			return
		}

		id := result.UUID
		if id == "" {
			id = uuid
		}

		var renderErr error
		if result.Error != "" {
			renderErr = &universal.ScriptError{Message: result.Error}
		}
		a.callback(id, result.HTML, renderErr)
	}()

	return nil
}

func (a *adapter) post(body []byte) (renderResponse, error) {
	resp, err := a.client.Post(a.endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return renderResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return renderResponse{}, fmt.Errorf("render server returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	var result renderResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return renderResponse{}, fmt.Errorf("failed to decode render response: %w", err)
	}
	return result, nil
}

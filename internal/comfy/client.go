// Package comfy implements the ComfyUI worker protocol: job submission,
// completion tracking over the websocket event channel, and artifact
// retrieval.
package comfy

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Artifact is one output file recorded by a workflow node.
type Artifact struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Output holds the artifacts recorded by one node.
type Output struct {
	Images []Artifact `json:"images,omitempty"`
	Gifs   []Artifact `json:"gifs,omitempty"`
}

// Outputs maps node ids to their recorded artifacts.
type Outputs map[string]Output

// Client talks to a single ComfyUI worker. One client serves one
// in-flight job; the session id scopes websocket traffic to this client
// and must not be shared across concurrent jobs.
type Client struct {
	baseURL  string
	clientID string
	http     *http.Client
	dialer   *websocket.Dialer
}

// Opts holds parameters for creating a Client.
type Opts struct {
	BaseURL  string
	ClientID string // session id; generated when empty
	HTTP     *http.Client
	Dialer   *websocket.Dialer
}

// New creates a Client for one worker endpoint.
func New(opts Opts) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		clientID: opts.ClientID,
		http:     opts.HTTP,
		dialer:   opts.Dialer,
	}
	if c.clientID == "" {
		c.clientID = generateClientID()
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 60 * time.Second}
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	return c
}

// ClientID returns the session id scoping this client's event traffic.
func (c *Client) ClientID() string { return c.clientID }

// generateClientID creates a random hex session id.
func generateClientID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms; a fixed id
		// still works, events are additionally filtered by prompt id.
		return "forge-client"
	}
	return hex.EncodeToString(b)
}

// Health reports whether the worker answers its liveness endpoint.
func (c *Client) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// QueuePrompt submits a workflow and returns the worker-issued prompt id.
// A response without a prompt id is a protocol error.
func (c *Client) QueuePrompt(ctx context.Context, workflow any) (string, error) {
	body, err := json.Marshal(map[string]any{
		"prompt":    workflow,
		"client_id": c.clientID,
	})
	if err != nil {
		return "", fmt.Errorf("comfy: marshal workflow: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("comfy: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("comfy: queue prompt: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("comfy: queue prompt returned %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}

	var out struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("comfy: decode queue response: %w", err)
	}
	if out.PromptID == "" {
		return "", fmt.Errorf("comfy: queue response has no prompt_id")
	}
	return out.PromptID, nil
}

// History fetches the recorded outputs for a completed prompt.
func (c *Client) History(ctx context.Context, promptID string) (Outputs, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+promptID, nil)
	if err != nil {
		return nil, fmt.Errorf("comfy: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("comfy: fetch history: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("comfy: history returned %d", resp.StatusCode)
	}

	var history map[string]struct {
		Outputs Outputs `json:"outputs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, fmt.Errorf("comfy: decode history: %w", err)
	}
	return history[promptID].Outputs, nil
}

// FetchOutput downloads one artifact from the worker's output store.
func (c *Client) FetchOutput(ctx context.Context, filename, subfolder, folderType string) ([]byte, error) {
	if folderType == "" {
		folderType = "output"
	}
	q := url.Values{}
	q.Set("filename", filename)
	q.Set("subfolder", subfolder)
	q.Set("type", folderType)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("comfy: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("comfy: fetch %s: %w", filename, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("comfy: fetch %s returned %d", filename, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("comfy: read %s: %w", filename, err)
	}
	return data, nil
}

// UploadImage stores an image in the worker's input folder and returns
// the stored name.
func (c *Client) UploadImage(ctx context.Context, data []byte, filename string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return "", fmt.Errorf("comfy: build upload: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return "", fmt.Errorf("comfy: build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("comfy: build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/image", &buf)
	if err != nil {
		return "", fmt.Errorf("comfy: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("comfy: upload image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("comfy: upload image returned %d", resp.StatusCode)
	}

	var out struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("comfy: decode upload response: %w", err)
	}
	if out.Name == "" {
		return "", fmt.Errorf("comfy: upload response has no name")
	}
	return out.Name, nil
}

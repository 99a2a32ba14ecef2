package comfy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// event is one frame on the worker's websocket channel. Only the two
// terminal-relevant types are handled; everything else is ignored.
type event struct {
	Type string `json:"type"`
	Data struct {
		PromptID         string  `json:"prompt_id"`
		Node             *string `json:"node"`
		ExceptionMessage string  `json:"exception_message"`
	} `json:"data"`
}

// wsURL derives the websocket endpoint from the HTTP base URL.
func (c *Client) wsURL() string {
	ws := strings.Replace(c.baseURL, "https://", "wss://", 1)
	ws = strings.Replace(ws, "http://", "ws://", 1)
	return ws + "/ws?clientId=" + c.clientID
}

// Execute submits a workflow and waits for its terminal event on the
// websocket channel, then fetches the recorded outputs.
//
// Events carrying another job's prompt id never end the wait. A null-node
// "executing" event for this prompt means completion; an
// "execution_error" event fails the call with the worker's message.
// Exceeding timeout fails the call; the remote job is not cancelled, only
// abandoned.
func (c *Client) Execute(ctx context.Context, workflow any, timeout time.Duration) (Outputs, error) {
	promptID, err := c.QueuePrompt(ctx, workflow)
	if err != nil {
		return nil, err
	}

	conn, _, err := c.dialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("comfy: connect event channel: %w", err)
	}
	defer conn.Close()

	// Reader goroutine feeds frames to the wait loop so the overall
	// deadline stays checkable while a receive blocks. A read error after
	// loop exit (connection closed by the deferred Close) is discarded
	// via the buffered channel.
	frames := make(chan []byte)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- msg:
			case <-done:
				return
			}
		}
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("comfy: wait for %s: %w", promptID, ctx.Err())
		case <-deadline.C:
			return nil, fmt.Errorf("comfy: workflow execution timed out after %s", timeout)
		case err := <-readErr:
			return nil, fmt.Errorf("comfy: event channel: %w", err)
		case msg := <-frames:
			var ev event
			if err := json.Unmarshal(msg, &ev); err != nil {
				// Binary preview frames and other non-JSON traffic.
				continue
			}
			if ev.Data.PromptID != promptID {
				continue
			}
			switch ev.Type {
			case "executing":
				if ev.Data.Node == nil {
					return c.History(ctx, promptID)
				}
			case "execution_error":
				msg := ev.Data.ExceptionMessage
				if msg == "" {
					msg = "unknown error"
				}
				return nil, fmt.Errorf("comfy: workflow execution failed: %s", msg)
			}
		}
	}
}

package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// defaultAPIBase is the RunPod control-plane GraphQL endpoint.
const defaultAPIBase = "https://api.runpod.io/graphql"

// comfyPort is the internal port ComfyUI listens on inside a worker; the
// public URL is derived from the port mapping that exposes it.
const comfyPort = 8188

const listWorkersQuery = `query {
  myself {
    pods {
      id
      name
      desiredStatus
      runtime { ports { ip isIpPublic privatePort publicPort } }
      machine { gpuDisplayName }
    }
  }
}`

const startPodMutation = `mutation($podId: String!) {
  podResume(input: { podId: $podId }) { id desiredStatus }
}`

const stopPodMutation = `mutation($podId: String!) {
  podStop(input: { podId: $podId }) { id desiredStatus }
}`

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type podPort struct {
	IP          string `json:"ip"`
	IsIPPublic  bool   `json:"isIpPublic"`
	PrivatePort int    `json:"privatePort"`
	PublicPort  int    `json:"publicPort"`
}

type podData struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	DesiredStatus string `json:"desiredStatus"`
	Runtime       *struct {
		Ports []podPort `json:"ports"`
	} `json:"runtime"`
	Machine *struct {
		GPUDisplayName string `json:"gpuDisplayName"`
	} `json:"machine"`
}

// graphql issues one control-plane request. The client carries the bearer
// token; a GraphQL-level error list fails the call.
func (r *Registry) graphql(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("pool: marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.apiBase, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("pool: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.api.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pool: control plane: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("pool: control plane returned %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}

	var gr graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("pool: decode response: %w", err)
	}
	if len(gr.Errors) > 0 {
		return nil, fmt.Errorf("pool: control plane error: %s", gr.Errors[0].Message)
	}
	return gr.Data, nil
}

// listWorkers fetches the full worker listing and resolves each worker's
// public ComfyUI URL from its port mappings.
func (r *Registry) listWorkers(ctx context.Context) ([]Worker, error) {
	data, err := r.graphql(ctx, listWorkersQuery, nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Myself struct {
			Pods []podData `json:"pods"`
		} `json:"myself"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("pool: decode worker listing: %w", err)
	}

	workers := make([]Worker, 0, len(payload.Myself.Pods))
	for _, p := range payload.Myself.Pods {
		w := Worker{
			ID:      p.ID,
			Name:    p.Name,
			Status:  parseStatus(p.DesiredStatus),
			GPUType: "Unknown",
		}
		if p.Machine != nil && p.Machine.GPUDisplayName != "" {
			w.GPUType = p.Machine.GPUDisplayName
		}
		if p.Runtime != nil {
			for _, port := range p.Runtime.Ports {
				if port.PrivatePort == comfyPort && port.IsIPPublic && port.IP != "" && port.PublicPort != 0 {
					w.ComfyURL = fmt.Sprintf("http://%s:%d", port.IP, port.PublicPort)
					break
				}
			}
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// parseStatus maps a control-plane status string onto the known set,
// treating anything unrecognized as ERROR.
func parseStatus(s string) string {
	switch s {
	case StatusRunning, StatusStarting, StatusStopped, StatusExited, StatusError:
		return s
	default:
		return StatusError
	}
}

// StartPod resumes a stopped worker. Best-effort: returns false on any
// failure or when the pool is unconfigured.
func (r *Registry) StartPod(ctx context.Context, podID string) bool {
	if !r.Configured() {
		return false
	}
	_, err := r.graphql(ctx, startPodMutation, map[string]any{"podId": podID})
	return err == nil
}

// StopPod stops a running worker. Best-effort, as StartPod.
func (r *Registry) StopPod(ctx context.Context, podID string) bool {
	if !r.Configured() {
		return false
	}
	_, err := r.graphql(ctx, stopPodMutation, map[string]any{"podId": podID})
	return err == nil
}

package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// fakeWorker runs an httptest server answering /system_stats with the
// given status code and returns its host:port split.
func fakeWorker(t *testing.T, statusCode int) (srv *httptest.Server, ip string, port int) {
	t.Helper()
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/system_stats" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(statusCode)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	ip = u.Hostname()
	fmt.Sscanf(u.Port(), "%d", &port)
	return srv, ip, port
}

// podListing builds a control-plane response body for the given pods.
func podListing(pods ...map[string]any) []byte {
	body := map[string]any{
		"data": map[string]any{
			"myself": map[string]any{"pods": pods},
		},
	}
	b, _ := json.Marshal(body)
	return b
}

// podEntry builds one pod with a public ComfyUI port mapping.
func podEntry(id, status, ip string, port int) map[string]any {
	return map[string]any{
		"id":            id,
		"name":          "pod-" + id,
		"desiredStatus": status,
		"runtime": map[string]any{
			"ports": []map[string]any{
				{"ip": ip, "isIpPublic": true, "privatePort": 8188, "publicPort": port},
			},
		},
		"machine": map[string]any{"gpuDisplayName": "RTX 4090"},
	}
}

// fakeControlPlane serves a fixed listing and counts requests.
func fakeControlPlane(t *testing.T, listing []byte) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if got := r.Header.Get("Authorization"); !strings.HasPrefix(got, "Bearer ") {
			t.Errorf("Authorization = %q, want bearer token", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(listing)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestRegistry(t *testing.T, apiBase string) *Registry {
	t.Helper()
	return New(Opts{
		APIKey:      "test-key",
		EndpointID:  "ep-1",
		FallbackURL: "http://fallback:8188",
		APIBase:     apiBase,
	})
}

func TestEligible_FiltersUnhealthyAndStopped(t *testing.T) {
	_, healthyIP, healthyPort := fakeWorker(t, http.StatusOK)
	_, sickIP, sickPort := fakeWorker(t, http.StatusInternalServerError)

	listing := podListing(
		podEntry("sick", StatusRunning, sickIP, sickPort),
		map[string]any{"id": "stopped", "name": "pod-stopped", "desiredStatus": "STOPPED"},
		podEntry("ok", StatusRunning, healthyIP, healthyPort),
	)
	cp, _ := fakeControlPlane(t, listing)
	r := newTestRegistry(t, cp.URL)

	w, err := r.Eligible(context.Background())
	if err != nil {
		t.Fatalf("Eligible() error = %v", err)
	}
	if w.ID != "ok" {
		t.Errorf("Eligible() = %s, want ok", w.ID)
	}
	if !w.Healthy || w.Status != StatusRunning || w.ComfyURL == "" {
		t.Errorf("selected worker not eligible: %+v", w)
	}
}

func TestEligible_ProbeFailureExcludesRunningWorker(t *testing.T) {
	// Scenario: the probe endpoint returns 500 for the only RUNNING pod.
	_, ip, port := fakeWorker(t, http.StatusInternalServerError)
	cp, _ := fakeControlPlane(t, podListing(podEntry("w1", StatusRunning, ip, port)))
	r := newTestRegistry(t, cp.URL)

	_, err := r.Eligible(context.Background())
	if !errors.Is(err, ErrNoWorker) {
		t.Fatalf("Eligible() error = %v, want ErrNoWorker", err)
	}

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Snapshot() len = %d", len(snap))
	}
	if snap[0].Healthy {
		t.Error("worker with 500 probe marked healthy")
	}
	if snap[0].LastHealthCheck == nil {
		t.Error("LastHealthCheck not recorded")
	}
}

func TestEligible_NoWorkers(t *testing.T) {
	cp, _ := fakeControlPlane(t, podListing())
	r := newTestRegistry(t, cp.URL)

	_, err := r.Eligible(context.Background())
	if !errors.Is(err, ErrNoWorker) {
		t.Fatalf("Eligible() error = %v, want ErrNoWorker", err)
	}
}

func TestRefresh_StalenessWindow(t *testing.T) {
	_, ip, port := fakeWorker(t, http.StatusOK)
	cp, calls := fakeControlPlane(t, podListing(podEntry("w1", StatusRunning, ip, port)))
	r := newTestRegistry(t, cp.URL)

	ctx := context.Background()
	if err := r.Refresh(ctx, false); err != nil {
		t.Fatal(err)
	}
	if err := r.Refresh(ctx, false); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("control-plane calls = %d, want 1 (second refresh inside staleness window)", got)
	}

	if err := r.Refresh(ctx, true); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("control-plane calls = %d, want 2 after force", got)
	}
}

func TestRefresh_ListingFailurePropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	r := newTestRegistry(t, srv.URL)

	err := r.Refresh(context.Background(), true)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "control plane returned 502") {
		t.Errorf("error = %q", err)
	}
}

func TestRefresh_GraphQLErrorPropagates(t *testing.T) {
	body := []byte(`{"errors":[{"message":"unauthorized"}]}`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	r := newTestRegistry(t, srv.URL)

	err := r.Refresh(context.Background(), true)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "unauthorized") {
		t.Errorf("error = %q", err)
	}
}

func TestComfyURL_UnconfiguredUsesFallback(t *testing.T) {
	// Scenario: no credentials. The fallback URL is returned and the
	// control plane is never contacted.
	cp, calls := fakeControlPlane(t, podListing())
	r := New(Opts{FallbackURL: "http://fallback:8188", APIBase: cp.URL})

	got, err := r.ComfyURL(context.Background())
	if err != nil {
		t.Fatalf("ComfyURL() error = %v", err)
	}
	if got != "http://fallback:8188" {
		t.Errorf("ComfyURL() = %q", got)
	}
	if calls.Load() != 0 {
		t.Errorf("control-plane calls = %d, want 0", calls.Load())
	}
}

func TestComfyURL_NoEligibleFallsBack(t *testing.T) {
	cp, _ := fakeControlPlane(t, podListing())
	r := newTestRegistry(t, cp.URL)

	got, err := r.ComfyURL(context.Background())
	if err != nil {
		t.Fatalf("ComfyURL() error = %v", err)
	}
	if got != "http://fallback:8188" {
		t.Errorf("ComfyURL() = %q, want fallback", got)
	}
}

func TestComfyURL_EligibleWorker(t *testing.T) {
	_, ip, port := fakeWorker(t, http.StatusOK)
	cp, _ := fakeControlPlane(t, podListing(podEntry("w1", StatusRunning, ip, port)))
	r := newTestRegistry(t, cp.URL)

	got, err := r.ComfyURL(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := fmt.Sprintf("http://%s:%d", ip, port)
	if got != want {
		t.Errorf("ComfyURL() = %q, want %q", got, want)
	}
}

func TestListWorkers_NoPublicPort(t *testing.T) {
	pod := map[string]any{
		"id":            "w1",
		"name":          "pod-w1",
		"desiredStatus": "RUNNING",
		"runtime": map[string]any{
			"ports": []map[string]any{
				{"ip": "10.0.0.1", "isIpPublic": false, "privatePort": 8188, "publicPort": 41234},
				{"ip": "1.2.3.4", "isIpPublic": true, "privatePort": 22, "publicPort": 40022},
			},
		},
	}
	cp, _ := fakeControlPlane(t, podListing(pod))
	r := newTestRegistry(t, cp.URL)

	if err := r.Refresh(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Snapshot() len = %d", len(snap))
	}
	if snap[0].ComfyURL != "" {
		t.Errorf("ComfyURL = %q, want empty (no public 8188 mapping)", snap[0].ComfyURL)
	}
	if snap[0].GPUType != "Unknown" {
		t.Errorf("GPUType = %q, want Unknown", snap[0].GPUType)
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct{ in, want string }{
		{"RUNNING", StatusRunning},
		{"STARTING", StatusStarting},
		{"STOPPED", StatusStopped},
		{"EXITED", StatusExited},
		{"ERROR", StatusError},
		{"SOMETHING_NEW", StatusError},
		{"", StatusError},
	}
	for _, tt := range tests {
		if got := parseStatus(tt.in); got != tt.want {
			t.Errorf("parseStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRefresh_Unconfigured(t *testing.T) {
	r := New(Opts{FallbackURL: "http://fallback:8188"})
	if err := r.Refresh(context.Background(), true); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if len(r.Snapshot()) != 0 {
		t.Error("unconfigured registry should have an empty snapshot")
	}
	if r.LastRefresh().IsZero() {
		t.Error("LastRefresh not set")
	}
}

func TestStartStopPod_Unconfigured(t *testing.T) {
	r := New(Opts{FallbackURL: "http://fallback:8188"})
	if r.StartPod(context.Background(), "w1") {
		t.Error("StartPod on unconfigured registry = true")
	}
	if r.StopPod(context.Background(), "w1") {
		t.Error("StopPod on unconfigured registry = true")
	}
}

func TestStartPod_SendsMutation(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req graphqlRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotQuery = req.Query
		w.Write([]byte(`{"data":{"podResume":{"id":"w1","desiredStatus":"RUNNING"}}}`))
	}))
	t.Cleanup(srv.Close)
	r := newTestRegistry(t, srv.URL)

	if !r.StartPod(context.Background(), "w1") {
		t.Fatal("StartPod() = false")
	}
	if !strings.Contains(gotQuery, "podResume") {
		t.Errorf("query = %q, want podResume mutation", gotQuery)
	}
}

func TestDefaultRefreshInterval(t *testing.T) {
	if DefaultRefreshInterval != 30*time.Second {
		t.Errorf("DefaultRefreshInterval = %v, want 30s", DefaultRefreshInterval)
	}
}

func TestRefreshLoop(t *testing.T) {
	cp, calls := fakeControlPlane(t, podListing())
	r := newTestRegistry(t, cp.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.RefreshLoop(ctx, 20*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := calls.Load(); got < 2 {
		t.Errorf("control-plane calls = %d, want repeated refreshes", got)
	}

	cancel()
	settled := calls.Load()
	time.Sleep(100 * time.Millisecond)
	if calls.Load() > settled+1 {
		t.Error("refresh loop kept running after cancel")
	}
}

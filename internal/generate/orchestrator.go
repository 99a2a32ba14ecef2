// Package generate drives generation jobs end to end: resolve a worker,
// build the workflow, run it to completion, store the artifact, and
// record the terminal status.
package generate

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/zulandar/forge/internal/comfy"
	"github.com/zulandar/forge/internal/notify"
	"github.com/zulandar/forge/internal/storage"
)

// Default overall job-completion timeouts. Video reflects heavier compute.
const (
	DefaultImageTimeout = 300 * time.Second
	DefaultVideoTimeout = 600 * time.Second
)

// JobClient is the worker protocol surface the orchestrator needs.
// *comfy.Client implements it; tests substitute fakes.
type JobClient interface {
	Execute(ctx context.Context, workflow any, timeout time.Duration) (comfy.Outputs, error)
	FetchOutput(ctx context.Context, filename, subfolder, folderType string) ([]byte, error)
	UploadImage(ctx context.Context, data []byte, filename string) (string, error)
}

// EndpointResolver picks the worker base URL for the next job.
// *pool.Registry implements it.
type EndpointResolver interface {
	ComfyURL(ctx context.Context) (string, error)
}

// Orchestrator runs one generation job per call. Jobs are independent;
// callers detach each call onto its own goroutine.
type Orchestrator struct {
	db       *gorm.DB
	pool     EndpointResolver
	store    storage.Provider
	notifier notify.Notifier
	log      zerolog.Logger

	// newClient creates a fresh job client per job so the session id is
	// never shared across concurrent jobs.
	newClient func(baseURL string) JobClient

	imageTimeout time.Duration
	videoTimeout time.Duration
	http         *http.Client // source-image downloads
}

// Opts holds parameters for creating an Orchestrator.
type Opts struct {
	DB       *gorm.DB
	Pool     EndpointResolver
	Store    storage.Provider
	Notifier notify.Notifier
	Logger   *zerolog.Logger

	NewClient    func(baseURL string) JobClient
	ImageTimeout time.Duration
	VideoTimeout time.Duration
}

// New creates an Orchestrator.
func New(opts Opts) *Orchestrator {
	o := &Orchestrator{
		db:           opts.DB,
		pool:         opts.Pool,
		store:        opts.Store,
		notifier:     opts.Notifier,
		log:          zerolog.Nop(),
		newClient:    opts.NewClient,
		imageTimeout: opts.ImageTimeout,
		videoTimeout: opts.VideoTimeout,
		http:         &http.Client{Timeout: 60 * time.Second},
	}
	if opts.Logger != nil {
		o.log = *opts.Logger
	}
	if o.notifier == nil {
		o.notifier = notify.Nop{}
	}
	if o.newClient == nil {
		o.newClient = func(baseURL string) JobClient {
			return comfy.New(comfy.Opts{BaseURL: baseURL})
		}
	}
	if o.imageTimeout == 0 {
		o.imageTimeout = DefaultImageTimeout
	}
	if o.videoTimeout == 0 {
		o.videoTimeout = DefaultVideoTimeout
	}
	return o
}

// firstArtifact returns the first artifact of the requested kind,
// scanning nodes in id order for determinism.
func firstArtifact(outputs comfy.Outputs, kind string) (comfy.Artifact, bool) {
	nodes := make([]string, 0, len(outputs))
	for id := range outputs {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)

	for _, id := range nodes {
		var arts []comfy.Artifact
		switch kind {
		case "images":
			arts = outputs[id].Images
		case "gifs":
			arts = outputs[id].Gifs
		}
		for _, a := range arts {
			if a.Filename != "" {
				return a, true
			}
		}
	}
	return comfy.Artifact{}, false
}

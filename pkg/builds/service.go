// Package builds serves pipeline runs to HTTP clients and bus consumers.
package builds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/synaptica-ai/fdm/pkg/common/logger"
	"github.com/synaptica-ai/fdm/pkg/common/models"
	"github.com/synaptica-ai/fdm/pkg/manifest"
	"github.com/synaptica-ai/fdm/pkg/pipeline"
	"github.com/synaptica-ai/fdm/pkg/runlog"
	"github.com/synaptica-ai/fdm/pkg/warehouse"
)

var (
	ErrInvalidRequest    = errors.New("invalid build request")
	ErrBuildInProgress   = errors.New("a build is already running for this namespace")
	ErrRunLogUnavailable = errors.New("run log is not enabled")
)

// RunStore is satisfied by *runlog.Repository.
type RunStore interface {
	pipeline.RunLog
	Get(ctx context.Context, runID string) (*runlog.BuildRun, []runlog.TableRun, error)
	Recent(ctx context.Context, namespace string, limit int) ([]runlog.BuildRun, error)
}

type Service struct {
	gw           warehouse.Gateway
	manifestPath string
	manifestDir  string
	runs         RunStore
	opts         []pipeline.Option

	mu     sync.Mutex
	active map[string]struct{}
}

type Option func(*Service)

func WithRunStore(store RunStore) Option {
	return func(s *Service) { s.runs = store }
}

// WithManifestDir lets requests name a manifest file by its path relative to
// dir. Without it a request's manifest_path is rejected.
func WithManifestDir(dir string) Option {
	return func(s *Service) { s.manifestDir = dir }
}

// WithRunnerOptions configures every runner the service creates.
func WithRunnerOptions(opts ...pipeline.Option) Option {
	return func(s *Service) { s.opts = append(s.opts, opts...) }
}

// NewService builds against gw. manifestPath is used when a request carries
// neither an inline manifest nor a path of its own.
func NewService(gw warehouse.Gateway, manifestPath string, opts ...Option) *Service {
	s := &Service{gw: gw, manifestPath: manifestPath, active: make(map[string]struct{})}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) manifestFor(req models.BuildRequest) (*manifest.Manifest, error) {
	var (
		m   *manifest.Manifest
		err error
	)
	switch {
	case len(req.Manifest) > 0:
		m, err = manifest.Parse(req.Manifest)
	case req.ManifestPath != "":
		m, err = s.loadNamedManifest(req.ManifestPath)
	case s.manifestPath != "":
		m, err = manifest.Load(s.manifestPath)
	default:
		return nil, fmt.Errorf("%w: no manifest", ErrInvalidRequest)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return m, nil
}

// loadNamedManifest reads name from the manifest directory. Names that are
// absolute or leave the directory, including through symlinks, are refused.
func (s *Service) loadNamedManifest(name string) (*manifest.Manifest, error) {
	if s.manifestDir == "" {
		return nil, errors.New("manifest_path is not accepted; send the manifest inline")
	}
	if !filepath.IsLocal(name) {
		return nil, fmt.Errorf("manifest_path %q must be relative to the manifest directory", name)
	}
	f, err := os.OpenInRoot(s.manifestDir, name)
	if err != nil {
		return nil, fmt.Errorf("manifest %q not found", name)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read manifest %q: %w", name, err)
	}
	return manifest.Parse(data)
}

func (s *Service) runner(m *manifest.Manifest) *pipeline.Runner {
	opts := append([]pipeline.Option{}, s.opts...)
	if s.runs != nil {
		opts = append(opts, pipeline.WithRunLog(s.runs))
	}
	return pipeline.NewRunner(s.gw, m, opts...)
}

func (s *Service) acquire(namespace string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[namespace]; busy {
		return false
	}
	s.active[namespace] = struct{}{}
	return true
}

func (s *Service) release(namespace string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, namespace)
}

// Build runs a manifest synchronously. Only one build per namespace runs at
// a time; a second request fails fast with ErrBuildInProgress.
func (s *Service) Build(ctx context.Context, req models.BuildRequest) (*pipeline.Result, error) {
	m, err := s.manifestFor(req)
	if err != nil {
		return nil, err
	}
	if !s.acquire(m.Namespace) {
		return nil, ErrBuildInProgress
	}
	defer s.release(m.Namespace)

	res, err := s.runner(m).Run(ctx, pipeline.RequestFrom(req))
	if errors.Is(err, pipeline.ErrUnknownTable) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return res, err
}

// TableStatus inspects one table of the default manifest.
func (s *Service) TableStatus(ctx context.Context, alias string) (*models.TableStatus, error) {
	m, err := s.manifestFor(models.BuildRequest{})
	if err != nil {
		return nil, err
	}
	return s.runner(m).TableStatus(ctx, alias)
}

func (s *Service) Run(ctx context.Context, runID string) (*runlog.BuildRun, []runlog.TableRun, error) {
	if s.runs == nil {
		return nil, nil, ErrRunLogUnavailable
	}
	return s.runs.Get(ctx, runID)
}

func (s *Service) Recent(ctx context.Context, namespace string, limit int) ([]runlog.BuildRun, error) {
	if s.runs == nil {
		return nil, ErrRunLogUnavailable
	}
	return s.runs.Recent(ctx, namespace, limit)
}

// HandleEvent consumes build requests from the bus. Only a busy namespace
// is retried; every other failure is logged and the message is dropped.
func (s *Service) HandleEvent(ctx context.Context, event models.Event) error {
	if event.Type != models.EventBuildRequested {
		return nil
	}
	log := logger.WithFields(map[string]interface{}{"event_id": event.ID, "source": event.Source})

	raw, err := json.Marshal(event.Data)
	if err != nil {
		log.WithError(err).Warn("dropping undecodable build request")
		return nil
	}
	var req models.BuildRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		log.WithError(err).Warn("dropping undecodable build request")
		return nil
	}
	if req.RequestedBy == "" {
		req.RequestedBy = event.Source
	}

	res, err := s.Build(ctx, req)
	switch {
	case errors.Is(err, ErrBuildInProgress):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		log.WithError(err).Error("build request failed")
		return nil
	}
	log.WithFields(map[string]interface{}{"run_id": res.RunID, "status": res.Status}).Info("build request handled")
	return nil
}

// Ready loads the default manifest and checks the warehouse answers.
func (s *Service) Ready(ctx context.Context) error {
	m, err := s.manifestFor(models.BuildRequest{})
	if err != nil {
		return err
	}
	_, err = s.gw.NamespaceExists(ctx, m.Project, m.Namespace)
	return err
}

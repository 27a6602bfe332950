// Package repository persists Pipeline definitions to a YAML file and
// keeps an in-memory copy fresh via an fsnotify watch, so a long-running
// CLI or daemon process picks up pipelines edited out-of-band.
package repository

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/FairForge/adapipe/internal/obslog"
	"github.com/FairForge/adapipe/internal/perrors"
	"github.com/FairForge/adapipe/internal/pipeline"
	"github.com/FairForge/adapipe/internal/stage"
	"github.com/fsnotify/fsnotify"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Repository is the persistence boundary for Pipeline definitions.
type Repository interface {
	Save(p pipeline.Pipeline) error
	FindByName(name string) (pipeline.Pipeline, bool, error)
	List() ([]pipeline.Pipeline, error)
}

// stageRecord is the on-disk representation of one PipelineStage.
type stageRecord struct {
	Name       string            `yaml:"name"`
	Type       string            `yaml:"type"`
	Position   string            `yaml:"position"`
	Algorithm  string            `yaml:"algorithm"`
	Parameters map[string]string `yaml:"parameters,omitempty"`
}

// pipelineRecord is the on-disk representation of one Pipeline.
type pipelineRecord struct {
	ID     string        `yaml:"id"`
	Name   string        `yaml:"name"`
	Stages []stageRecord `yaml:"stages"`
}

// fileDocument is the top-level shape of the YAML backing file.
type fileDocument struct {
	Pipelines []pipelineRecord `yaml:"pipelines"`
}

var typeNames = map[stage.Type]string{
	stage.TypeCompression: "compression",
	stage.TypeEncryption:  "encryption",
	stage.TypeChecksum:    "checksum",
	stage.TypeTransform:   "transform",
	stage.TypePassThrough: "passthrough",
}

var namesToType = func() map[string]stage.Type {
	out := make(map[string]stage.Type, len(typeNames))
	for t, n := range typeNames {
		out[n] = t
	}
	return out
}()

var positionNames = map[stage.Position]string{
	stage.PreBinary:  "pre_binary",
	stage.PostBinary: "post_binary",
	stage.Any:        "any",
}

var namesToPosition = func() map[string]stage.Position {
	out := make(map[string]stage.Position, len(positionNames))
	for p, n := range positionNames {
		out[n] = p
	}
	return out
}()

func toRecord(p pipeline.Pipeline) pipelineRecord {
	user := p.UserStages()
	stages := make([]stageRecord, 0, len(user))
	for _, s := range user {
		cfg := s.Configuration()
		stages = append(stages, stageRecord{
			Name:       s.Name(),
			Type:       typeNames[s.StageType()],
			Position:   positionNames[s.Position()],
			Algorithm:  cfg.Algorithm,
			Parameters: cfg.Parameters,
		})
	}
	return pipelineRecord{ID: p.ID().String(), Name: p.Name(), Stages: stages}
}

func fromRecord(r pipelineRecord) (pipeline.Pipeline, error) {
	stages := make([]pipeline.PipelineStage, 0, len(r.Stages))
	for _, sr := range r.Stages {
		t, ok := namesToType[sr.Type]
		if !ok {
			return pipeline.Pipeline{}, perrors.NewInvalidConfiguration("unknown stage type %q for stage %q", sr.Type, sr.Name)
		}
		pos, ok := namesToPosition[sr.Position]
		if !ok {
			return pipeline.Pipeline{}, perrors.NewInvalidConfiguration("unknown stage position %q for stage %q", sr.Position, sr.Name)
		}
		stages = append(stages, pipeline.NewUserStage(sr.Name, t, pos, stage.Configuration{
			Name: sr.Name, Algorithm: sr.Algorithm, Parameters: sr.Parameters,
		}))
	}

	id, err := ulid.Parse(r.ID)
	if err != nil {
		return pipeline.New(r.Name, stages)
	}
	return pipeline.NewWithID(id, r.Name, stages)
}

// FileRepository is a YAML-file-backed Repository with an optional
// fsnotify-driven hot reload.
type FileRepository struct {
	path string

	mu        sync.RWMutex
	pipelines map[string]pipeline.Pipeline

	logger  *obslog.Logger
	watcher *fsnotify.Watcher
}

// NewFileRepository opens (or creates, if absent) the YAML file at path
// and loads its contents.
func NewFileRepository(path string, logger *obslog.Logger) (*FileRepository, error) {
	if logger == nil {
		logger = obslog.New(nil)
	}
	r := &FileRepository{
		path:      path,
		pipelines: make(map[string]pipeline.Pipeline),
		logger:    logger.Named("repository"),
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := r.persist(); err != nil {
			return nil, err
		}
		return r, nil
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRepository) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return perrors.NewIOError("read", r.path, err)
	}
	var doc fileDocument
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return perrors.NewInvalidConfiguration("parsing %s: %v", r.path, err)
		}
	}

	loaded := make(map[string]pipeline.Pipeline, len(doc.Pipelines))
	for _, rec := range doc.Pipelines {
		p, err := fromRecord(rec)
		if err != nil {
			return err
		}
		loaded[p.Name()] = p
	}

	r.mu.Lock()
	r.pipelines = loaded
	r.mu.Unlock()
	return nil
}

func (r *FileRepository) persist() error {
	r.mu.RLock()
	doc := fileDocument{Pipelines: make([]pipelineRecord, 0, len(r.pipelines))}
	for _, p := range r.pipelines {
		doc.Pipelines = append(doc.Pipelines, toRecord(p))
	}
	r.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return perrors.NewIOError("mkdir", filepath.Dir(r.path), err)
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return perrors.NewInvalidConfiguration("marshaling pipelines: %v", err)
	}
	if err := os.WriteFile(r.path, out, 0o644); err != nil {
		return perrors.NewIOError("write", r.path, err)
	}
	return nil
}

// Save upserts p by name and writes the full backing file.
func (r *FileRepository) Save(p pipeline.Pipeline) error {
	r.mu.Lock()
	r.pipelines[p.Name()] = p
	r.mu.Unlock()
	return r.persist()
}

// FindByName returns the pipeline named name, and whether it was found.
func (r *FileRepository) FindByName(name string) (pipeline.Pipeline, bool, error) {
	normalized, err := pipeline.ValidateName(name)
	if err != nil {
		return pipeline.Pipeline{}, false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[normalized]
	return p, ok, nil
}

// List returns all stored pipelines.
func (r *FileRepository) List() ([]pipeline.Pipeline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]pipeline.Pipeline, 0, len(r.pipelines))
	for _, p := range r.pipelines {
		out = append(out, p)
	}
	return out, nil
}

// Watch starts an fsnotify watch on the backing file's directory and
// reloads it on every write event, until ctx is canceled. Call it in its
// own goroutine; it blocks until ctx is done or the watcher errors fatally.
func (r *FileRepository) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return perrors.NewIOError("watch", r.path, err)
	}
	r.watcher = w
	defer w.Close()

	dir := filepath.Dir(r.path)
	if err := w.Add(dir); err != nil {
		return perrors.NewIOError("watch", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(r.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := r.reload(); err != nil {
				r.logger.Error("reload failed after file change", zap.String("path", r.path), zap.Error(err))
				continue
			}
			r.logger.Info("reloaded pipelines", zap.String("path", r.path))
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("watch error", zap.Error(werr))
		}
	}
}

// Close stops an active watch, if one was started.
func (r *FileRepository) Close() error {
	if r.watcher == nil {
		return nil
	}
	return r.watcher.Close()
}

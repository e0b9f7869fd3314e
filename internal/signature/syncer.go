package signature

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/org/agentwall/internal/errs"
	"github.com/org/agentwall/pkg/models"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Store is the subset of storage the syncer needs.
type Store interface {
	ReplaceSignatures(ctx context.Context, version int, sigs []*models.ThreatSignature) error
	ActiveSignatures(ctx context.Context) ([]*models.ThreatSignature, int, error)
}

// File is the on-disk signature bundle.
type File struct {
	Version    int                       `yaml:"version"`
	Signatures []*models.ThreatSignature `yaml:"signatures"`
}

// Syncer moves signatures from the bundle file into the store, and from the
// store into the Registry.
type Syncer struct {
	store    Store
	registry *Registry
	path     string
	debounce time.Duration

	mu   sync.Mutex // serialises syncs
	cron *cron.Cron
}

func NewSyncer(store Store, registry *Registry, path string) *Syncer {
	return &Syncer{
		store:    store,
		registry: registry,
		path:     path,
		debounce: 200 * time.Millisecond,
	}
}

// Reload installs the store's active signatures into the registry.
func (s *Syncer) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sigs, version, err := s.store.ActiveSignatures(ctx)
	if err != nil {
		return fmt.Errorf("loading signatures: %w", err)
	}
	if version == s.registry.Version() && version != 0 {
		return nil
	}
	if err := s.registry.Replace(version, sigs); err != nil {
		return fmt.Errorf("installing signatures v%d: %w", version, err)
	}
	log.Info().Int("version", version).Int("count", len(sigs)).Msg("signatures reloaded")
	return nil
}

// SyncFile reads the bundle, validates it and, when it is newer than the
// store's version, writes it as a new version and installs it. It returns the
// version active afterwards.
func (s *Syncer) SyncFile(ctx context.Context) (int, error) {
	if s.path == "" {
		return 0, errs.Validation("no signature file configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", s.path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, errs.Validation("parsing %s: %v", filepath.Base(s.path), err)
	}
	if err := Compile(f.Signatures); err != nil {
		return 0, errs.Validation("%v", err)
	}

	_, current, err := s.store.ActiveSignatures(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading signature version: %w", err)
	}
	version := f.Version
	if version == 0 {
		version = current + 1
	}
	switch {
	case version < current:
		return current, errs.Validation("signature file version %d is older than active version %d", version, current)
	case version == current && s.registry.Version() == current:
		return current, nil
	case version > current:
		if err := s.store.ReplaceSignatures(ctx, version, f.Signatures); err != nil {
			return current, fmt.Errorf("storing signatures v%d: %w", version, err)
		}
	}

	sigs, stored, err := s.store.ActiveSignatures(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading signatures: %w", err)
	}
	if err := s.registry.Replace(stored, sigs); err != nil {
		return 0, err
	}
	log.Info().Int("version", stored).Int("count", len(sigs)).Str("file", s.path).Msg("signature file synced")
	return stored, nil
}

// Watch re-syncs the file whenever it changes. It blocks until ctx is done.
// The parent directory is watched so editors that replace the file by rename
// are seen.
func (s *Syncer) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer w.Close()

	target, err := filepath.Abs(s.path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(target), err)
	}
	log.Info().Str("file", target).Msg("watching signature file")

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(s.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			if _, err := s.SyncFile(ctx); err != nil {
				log.Error().Err(err).Str("file", target).Msg("signature sync failed")
			}
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			log.Error().Err(err).Msg("signature watcher error")
		}
	}
}

// Schedule reloads from the store on a cron schedule, so replicas that did
// not read the file themselves converge. An empty schedule does nothing.
func (s *Syncer) Schedule(ctx context.Context, schedule string) error {
	if schedule == "" {
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if err := s.Reload(ctx); err != nil {
			log.Error().Err(err).Msg("scheduled signature reload failed")
		}
	}); err != nil {
		return fmt.Errorf("scheduling signature reload: %w", err)
	}
	c.Start()
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	log.Info().Str("schedule", schedule).Msg("signature reload scheduled")
	return nil
}

// Stop halts the reload schedule and waits for a running job.
func (s *Syncer) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

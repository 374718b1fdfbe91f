package access

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const seedReloadDebounce = 500 * time.Millisecond

// SeedFile is the YAML document listing access states to apply at boot.
//
//	records:
//	  - email: viewer@example.com
//	    status: suspended
//	    suspension_reason: policy violation
type SeedFile struct {
	Records []Update `yaml:"records"`
}

// LoadSeedFile parses a YAML seed file.
func LoadSeedFile(path string) (SeedFile, error) {
	contents, readErr := os.ReadFile(path)
	if readErr != nil {
		return SeedFile{}, fmt.Errorf("access_seed.read: %w", readErr)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(contents, &seed); err != nil {
		return SeedFile{}, fmt.Errorf("access_seed.parse: %w", err)
	}
	for index, update := range seed.Records {
		if _, err := update.Normalize(); err != nil {
			return SeedFile{}, fmt.Errorf("access_seed.record.%d: %w", index, err)
		}
	}
	return seed, nil
}

// ApplySeed appends a row for every seeded email whose latest state differs.
// It returns the number of rows written.
func ApplySeed(ctx context.Context, store Store, seed SeedFile) (int, error) {
	applied := 0
	for _, update := range seed.Records {
		candidate, normalizeErr := update.Normalize()
		if normalizeErr != nil {
			return applied, normalizeErr
		}
		latest, latestErr := store.Latest(ctx, candidate.Email)
		if latestErr != nil && !errors.Is(latestErr, ErrRecordNotFound) {
			return applied, latestErr
		}
		if latestErr == nil && sameState(latest, candidate) {
			continue
		}
		if _, err := store.Put(ctx, update); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// SeedReloader applies a seed file and re-applies it when the file changes.
type SeedReloader struct {
	path   string
	store  Store
	logger *zap.Logger
}

// NewSeedReloader constructs a reloader for path.
func NewSeedReloader(path string, store Store, logger *zap.Logger) *SeedReloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SeedReloader{path: filepath.Clean(path), store: store, logger: logger}
}

// Reload reads the seed file and applies it.
func (reloader *SeedReloader) Reload(ctx context.Context) (int, error) {
	seed, loadErr := LoadSeedFile(reloader.path)
	if loadErr != nil {
		return 0, loadErr
	}
	applied, applyErr := ApplySeed(ctx, reloader.store, seed)
	if applyErr != nil {
		return applied, applyErr
	}
	reloader.logger.Info("access seed applied",
		zap.String("path", reloader.path),
		zap.Int("records", len(seed.Records)),
		zap.Int("applied", applied))
	return applied, nil
}

// Run watches the seed file's directory and reloads after writes settle.
// It blocks until ctx is cancelled.
func (reloader *SeedReloader) Run(ctx context.Context) error {
	watcher, watcherErr := fsnotify.NewWatcher()
	if watcherErr != nil {
		return fmt.Errorf("access_seed.watch: %w", watcherErr)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(reloader.path)); err != nil {
		return fmt.Errorf("access_seed.watch: %w", err)
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != reloader.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(seedReloadDebounce, func() {
				if _, err := reloader.Reload(ctx); err != nil {
					reloader.logger.Warn("access seed reload failed",
						zap.String("code", "access.seed.reload_failed"),
						zap.String("path", reloader.path),
						zap.Error(err))
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			reloader.logger.Warn("access seed watcher error",
				zap.String("code", "access.seed.watch_error"),
				zap.Error(err))
		}
	}
}

package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// debounceDelay coalesces editor save bursts into one reload.
const debounceDelay = 500 * time.Millisecond

// overrideEntry is one row of the overrides file.
type overrideEntry struct {
	Provider      string `yaml:"provider"`
	Model         string `yaml:"model"`
	InputPerMTok  string `yaml:"inputPerMTok"`
	OutputPerMTok string `yaml:"outputPerMTok"`
	Currency      string `yaml:"currency"`
}

type overridesFile struct {
	Prices []overrideEntry `yaml:"prices"`
}

// LoadFile applies a YAML override table to the catalog. Every valid entry
// is upserted; the first malformed entry aborts with an error and leaves
// earlier entries applied.
func (c *Catalog) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read pricing overrides: %w", err)
	}

	var f overridesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parse pricing overrides: %w", err)
	}

	for i, e := range f.Prices {
		if e.Provider == "" || e.Model == "" {
			return i, fmt.Errorf("pricing overrides entry %d: provider and model are required", i)
		}
		input, err := decimal.NewFromString(e.InputPerMTok)
		if err != nil {
			return i, fmt.Errorf("pricing overrides entry %d: inputPerMTok: %w", i, err)
		}
		output, err := decimal.NewFromString(e.OutputPerMTok)
		if err != nil {
			return i, fmt.Errorf("pricing overrides entry %d: outputPerMTok: %w", i, err)
		}
		c.Upsert(e.Provider, e.Model, Price{
			InputPerMTok:  input,
			OutputPerMTok: output,
			Currency:      e.Currency,
		})
	}
	return len(f.Prices), nil
}

// Watch reloads the overrides file whenever it changes, until ctx is
// cancelled. The watch is placed on the parent directory so editor
// rename-and-replace saves are observed. Reload failures are logged and
// the previous table stays in effect.
func (c *Catalog) Watch(ctx context.Context, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create pricing watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch pricing overrides dir: %w", err)
	}

	go func() {
		defer watcher.Close()

		var pending bool
		ticker := time.NewTicker(debounceDelay)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != path {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					pending = true
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("pricing watcher error", "error", err)

			case <-ticker.C:
				if !pending {
					continue
				}
				pending = false
				n, err := c.LoadFile(path)
				if err != nil {
					logger.Warn("pricing overrides reload failed", "path", path, "error", err)
					continue
				}
				logger.Info("pricing overrides reloaded", "path", path, "entries", n)
			}
		}
	}()

	return nil
}

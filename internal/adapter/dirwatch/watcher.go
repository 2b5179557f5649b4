// Package dirwatch ingests files dropped into a watched directory tree.
// Field stations sync collected data into <root>/{sensors,images,sonar};
// the watcher picks up new files, feeds them to the pipeline, and files the
// originals under processed/ or failed/.
package dirwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"

	"github.com/nautilux/reef-data-ingest/internal/domain"
)

// Ingestor accepts raw payloads for processing.
type Ingestor interface {
	Ingest(ctx context.Context, raw domain.RawPayload) (int, error)
}

// categoryDirs maps the watched subdirectories to reading categories and
// their accepted file extensions. Anything else in a watched directory is
// ignored, which lets stations drop manifest or checksum files alongside.
var categoryDirs = map[string]struct {
	category   domain.Category
	extensions map[string]domain.Encoding
}{
	"sensors": {
		category: domain.CategorySensor,
		extensions: map[string]domain.Encoding{
			".csv":  domain.EncodingCSV,
			".json": domain.EncodingJSON,
		},
	},
	"images": {
		category: domain.CategoryImage,
		extensions: map[string]domain.Encoding{
			".jpg":  domain.EncodingBinary,
			".jpeg": domain.EncodingBinary,
			".png":  domain.EncodingBinary,
			".tiff": domain.EncodingBinary,
			".tif":  domain.EncodingBinary,
		},
	},
	"sonar": {
		category: domain.CategorySonar,
		extensions: map[string]domain.Encoding{
			".csv":  domain.EncodingCSV,
			".json": domain.EncodingJSON,
			".bin":  domain.EncodingBinary,
		},
	},
}

const (
	processedDir = "processed"
	failedDir    = "failed"
)

// Watcher tails the ingest directory tree. An initial scan covers files that
// arrived while the service was down; fsnotify covers everything after.
type Watcher struct {
	root     string
	ingestor Ingestor
	clock    clockwork.Clock
	logger   *slog.Logger
}

// NewWatcher creates a watcher over root. The category subdirectories and
// their processed/failed targets are created if missing.
func NewWatcher(root string, ingestor Ingestor, clock clockwork.Clock, logger *slog.Logger) (*Watcher, error) {
	for dir := range categoryDirs {
		for _, sub := range []string{dir, filepath.Join(dir, processedDir), filepath.Join(dir, failedDir)} {
			if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
				return nil, fmt.Errorf("create watch directory %s: %w", sub, err)
			}
		}
	}
	return &Watcher{root: root, ingestor: ingestor, clock: clock, logger: logger}, nil
}

// Run scans existing files, then blocks consuming filesystem events until
// the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer notifier.Close()

	for dir := range categoryDirs {
		if err := notifier.Add(filepath.Join(w.root, dir)); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	w.logger.Info("directory watcher started", "root", w.root)
	w.scanExisting(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("directory watcher stopping")
			return nil
		case event, ok := <-notifier.Events:
			if !ok {
				return nil
			}
			// Create covers fresh files; Rename covers atomic move-in, the
			// recommended way for stations to avoid partial reads.
			if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.handleFile(ctx, event.Name)
		case err, ok := <-notifier.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("filesystem watch error", "error", err)
		}
	}
}

// scanExisting processes files already present under the category
// directories, oldest first so backlog drains in arrival order.
func (w *Watcher) scanExisting(ctx context.Context) {
	for dir := range categoryDirs {
		entries, err := os.ReadDir(filepath.Join(w.root, dir))
		if err != nil {
			w.logger.Error("initial scan failed", "dir", dir, "error", err)
			continue
		}
		for _, entry := range entries {
			if ctx.Err() != nil {
				return
			}
			if entry.IsDir() {
				continue
			}
			w.handleFile(ctx, filepath.Join(w.root, dir, entry.Name()))
		}
	}
}

// handleFile ingests one dropped file and moves it to its outcome directory.
func (w *Watcher) handleFile(ctx context.Context, path string) {
	dir := filepath.Base(filepath.Dir(path))
	spec, ok := categoryDirs[dir]
	if !ok {
		return
	}
	encoding, ok := spec.extensions[strings.ToLower(filepath.Ext(path))]
	if !ok {
		w.logger.Debug("ignoring file with unhandled extension", "path", path)
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Already picked up by the initial scan racing an event.
			return
		}
		w.logger.Error("read dropped file", "path", path, "error", err)
		return
	}

	raw := domain.RawPayload{
		Data:     data,
		Category: spec.category,
		Encoding: encoding,
		Provenance: domain.Provenance{
			Channel:    "directory",
			Ref:        filepath.Join(dir, filepath.Base(path)),
			ReceivedAt: w.clock.Now().UTC(),
			SiteID:     domain.SiteFromFileName(path),
		},
	}

	accepted, err := w.ingestor.Ingest(ctx, raw)
	if err != nil && accepted > 0 {
		// Some readings queued before the cut-off. Leaving the file in
		// place re-ingests the whole batch on restart; the store's
		// idempotent upsert absorbs the overlap.
		w.logger.Warn("file partially ingested, left for re-ingest",
			"path", path, "accepted", accepted, "error", err)
		return
	}
	outcome := processedDir
	if err != nil {
		outcome = failedDir
	}
	if moveErr := w.moveTo(path, outcome); moveErr != nil {
		// The file stays in place and will be re-ingested on restart; the
		// store's idempotent upsert makes that harmless.
		w.logger.Error("move ingested file", "path", path, "outcome", outcome, "error", moveErr)
		return
	}
	if err != nil {
		w.logger.Warn("file rejected", "path", path, "error", err)
		return
	}
	w.logger.Info("file ingested", "path", path, "readings", accepted)
}

func (w *Watcher) moveTo(path, outcome string) error {
	target := filepath.Join(filepath.Dir(path), outcome, filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		return fmt.Errorf("move %s to %s: %w", path, outcome, err)
	}
	return nil
}

package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"obddash/pkg/domain"
)

// Sub-directories of a VIN directory that receive handled files.
const (
	ProcessedDir = "processed"
	FailedDir    = "failed"
)

// VehicleResolver finds the vehicle a drop directory belongs to.
type VehicleResolver interface {
	GetVehicleByVIN(ctx context.Context, vin string) (domain.Vehicle, error)
}

// Watcher imports files dropped into `<root>/<VIN>/`. Each file is imported
// once its writes have settled, then moved to processed/ or failed/ next to a
// `.result.json` with the summary or error.
type Watcher struct {
	root     string
	imp      *Importer
	vehicles VehicleResolver
	log      *zap.Logger
	settle   time.Duration

	mu      sync.Mutex
	pending map[string]time.Time
}

// NewWatcher prepares a watcher on root. settle defaults to 500ms.
func NewWatcher(root string, imp *Importer, vehicles VehicleResolver, log *zap.Logger, settle time.Duration) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	if settle <= 0 {
		settle = 500 * time.Millisecond
	}
	return &Watcher{
		root:     root,
		imp:      imp,
		vehicles: vehicles,
		log:      log.With(zap.String("component", "import_watcher")),
		settle:   settle,
		pending:  make(map[string]time.Time),
	}
}

// Run watches until ctx ends. Files already present are queued on start.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return fmt.Errorf("create watch dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.root); err != nil {
		return fmt.Errorf("watch %s: %w", w.root, err)
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			w.watchVehicleDir(fw, filepath.Join(w.root, e.Name()))
		}
	}
	w.log.Info("watching import directory", zap.String("dir", w.root))

	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error("watch error", zap.Error(err))
		case <-ticker.C:
			w.processSettled(ctx)
		}
	}
}

// watchVehicleDir adds a VIN directory and queues the files it already holds.
func (w *Watcher) watchVehicleDir(fw *fsnotify.Watcher, dir string) {
	if err := fw.Add(dir); err != nil {
		w.log.Warn("watch vehicle dir", zap.String("dir", dir), zap.Error(err))
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.touch(filepath.Join(dir, e.Name()))
		}
	}
}

func (w *Watcher) handleEvent(fw *fsnotify.Watcher, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	parent := filepath.Dir(ev.Name)
	switch {
	case info.IsDir() && parent == filepath.Clean(w.root):
		w.watchVehicleDir(fw, ev.Name)
	case !info.IsDir() && filepath.Dir(parent) == filepath.Clean(w.root):
		w.touch(ev.Name)
	}
}

func (w *Watcher) touch(path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".result.json") {
		return
	}
	w.mu.Lock()
	w.pending[path] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) processSettled(ctx context.Context) {
	now := time.Now()
	var ready []string
	w.mu.Lock()
	for path, at := range w.pending {
		if now.Sub(at) >= w.settle {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()
	for _, path := range ready {
		w.process(ctx, path)
	}
}

type result struct {
	File     string   `json:"file"`
	Imported bool     `json:"imported"`
	Summary  *Summary `json:"summary,omitempty"`
	Error    string   `json:"error,omitempty"`
}

func (w *Watcher) process(ctx context.Context, path string) {
	vin := filepath.Base(filepath.Dir(path))
	sum, err := w.importFile(ctx, vin, path)
	res := result{File: filepath.Base(path), Imported: err == nil}
	dest := ProcessedDir
	if err != nil {
		dest = FailedDir
		res.Error = err.Error()
		w.log.Warn("import failed", zap.String("file", path), zap.Error(err))
	} else {
		res.Summary = &sum
	}
	if err := w.move(path, dest, res); err != nil {
		w.log.Error("move imported file", zap.String("file", path), zap.Error(err))
	}
}

func (w *Watcher) importFile(ctx context.Context, vin, path string) (Summary, error) {
	vehicle, err := w.vehicles.GetVehicleByVIN(ctx, vin)
	if err != nil {
		return Summary{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Summary{}, err
	}
	defer f.Close()
	return w.imp.Import(ctx, vehicle.ID, filepath.Base(path), f)
}

func (w *Watcher) move(path, dest string, res result) error {
	dir := filepath.Join(filepath.Dir(path), dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	target := filepath.Join(dir, filepath.Base(path))
	if _, err := os.Stat(target); err == nil {
		target = filepath.Join(dir, time.Now().UTC().Format("20060102T150405.000")+"-"+filepath.Base(path))
	}
	if err := os.Rename(path, target); err != nil {
		return err
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(target+".result.json", data, 0o644)
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package editor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bureau-foundation/collabify/lib/clock"
)

// DefaultDebounce is how long a file must stay unchanged before its
// content is read.
const DefaultDebounce = 100 * time.Millisecond

// FileConfig configures a FileBinding.
type FileConfig struct {
	// Path is the markdown file. Its directory must exist; the file
	// is created or overwritten with the document's text.
	Path string

	Debounce time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

// FileBinding keeps a file and a document in step.
type FileBinding struct {
	binding  *Binding
	path     string
	debounce time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	// written is the file content as last written or read by the
	// binding. Only the Run goroutine touches it.
	written string

	renders chan struct{}
	settled chan struct{}
}

// NewFileBinding binds cfg.Path to target. Nothing touches the file
// until Run.
func NewFileBinding(target Target, cfg FileConfig) (*FileBinding, error) {
	if cfg.Path == "" {
		return nil, errors.New("file binding: path is required")
	}
	path, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", cfg.Path, err)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &FileBinding{
		binding:  NewBinding(target),
		path:     path,
		debounce: cfg.Debounce,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With("file", path),
		renders:  make(chan struct{}, 1),
		settled:  make(chan struct{}, 1),
	}, nil
}

// Path returns the absolute path of the bound file.
func (f *FileBinding) Path() string { return f.path }

// Run writes the document to the file and then mirrors changes both
// ways until ctx is done.
func (f *FileBinding) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()
	// Editors often save by renaming a temporary file over the
	// target, which a watch on the file itself would miss.
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(f.path), err)
	}

	cancelRender := f.binding.OnRender(func(string) {
		select {
		case f.renders <- struct{}{}:
		default:
		}
	})
	defer cancelRender()

	if err := f.write(f.binding.Text()); err != nil {
		return err
	}
	f.logger.Info("file binding started")

	var pending *clock.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
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
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if pending == nil {
				pending = f.clock.AfterFunc(f.debounce, f.settle)
			} else {
				pending.Reset(f.debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("file watcher error", "error", err)

		case <-f.settled:
			f.readBack()

		case <-f.renders:
			if err := f.write(f.binding.Text()); err != nil {
				f.logger.Error("writing file failed", "error", err)
			}
		}
	}
}

func (f *FileBinding) settle() {
	select {
	case f.settled <- struct{}{}:
	default:
	}
}

// readBack turns the file's current content into a document change.
func (f *FileBinding) readBack() {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		f.logger.Info("file removed; restoring it")
		if err := f.write(f.binding.Text()); err != nil {
			f.logger.Error("restoring file failed", "error", err)
		}
		return
	}
	if err != nil {
		f.logger.Warn("reading file failed", "error", err)
		return
	}
	content := string(data)
	if content == f.written {
		return
	}

	change := Diff(f.written, content)
	if err := f.binding.ApplyFrom(f.written, change); err != nil {
		f.logger.Warn("file change rejected; restoring the document text", "error", err)
		f.written = content
		if err := f.write(f.binding.target.Document().Text()); err != nil {
			f.logger.Error("restoring file failed", "error", err)
		}
		return
	}
	f.written = content
	f.logger.Debug("applied file change", "from", change.From, "to", change.To, "inserted", len(change.Insert))

	// The document may hold more than the file if other participants
	// edited while the file was being saved.
	if merged := f.binding.Text(); merged != content {
		if err := f.write(merged); err != nil {
			f.logger.Error("writing file failed", "error", err)
		}
	}
}

// write replaces the file's content atomically.
func (f *FileBinding) write(text string) error {
	if text == f.written {
		if _, err := os.Stat(f.path); err == nil {
			return nil
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), "."+filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temporary file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replacing %s: %w", f.path, err)
	}
	f.written = text
	return nil
}

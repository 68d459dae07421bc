package settings

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch calls onChange whenever the file behind a FileBackend is written
// or replaced, until ctx is done. onChange runs on the watcher goroutine;
// hosts hand the reload to whatever goroutine owns the store.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	fb, ok := s.backend.(*FileBackend)
	if !ok {
		return ErrNotWatchable
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("settings: watch: %w", err)
	}
	defer w.Close()

	// Watch the directory so editors that replace the file by rename
	// are still seen.
	if err := w.Add(filepath.Dir(fb.path)); err != nil {
		return fmt.Errorf("settings: watch %s: %w", fb.path, err)
	}
	s.logger.Debug("watching settings file", "path", fb.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != fb.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				s.logger.Debug("settings file changed", "path", fb.path, "op", event.Op.String())
				onChange()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("settings watcher error", "error", err)
		}
	}
}

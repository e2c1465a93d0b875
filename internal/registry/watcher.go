package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher keeps the latest valid Snapshot of a registry file. It watches the
// parent directory so editors that replace the file are followed too.
type Watcher struct {
	path     string
	log      *logrus.Logger
	watcher  *fsnotify.Watcher
	onChange func(*Snapshot)

	mu      sync.RWMutex
	current *Snapshot
}

// NewWatcher loads path and prepares to watch it. onChange is called with
// every new valid snapshot, not with the initial one.
func NewWatcher(path string, log *logrus.Logger, onChange func(*Snapshot)) (*Watcher, error) {
	snap, err := Load(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		path:     filepath.Clean(path),
		log:      log,
		watcher:  fw,
		onChange: onChange,
		current:  snap,
	}, nil
}

// Current returns the latest valid snapshot.
func (w *Watcher) Current() *Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start processes file events until ctx is done.
func (w *Watcher) Start(ctx context.Context) {
	w.log.WithField("path", w.path).Info("Starting registry watcher")
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("Registry watcher stopping")
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Error("Registry watcher error")
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.log.WithError(err).Debug("Registry file not readable, keeping previous snapshot")
		return
	}
	d := digest(data)
	w.mu.RLock()
	unchanged := w.current != nil && w.current.Digest == d
	w.mu.RUnlock()
	if unchanged {
		return
	}
	snap, err := Parse(data)
	if err != nil {
		w.log.WithError(err).Error("Invalid registry update ignored")
		return
	}
	w.mu.Lock()
	w.current = snap
	w.mu.Unlock()
	w.log.WithFields(logrus.Fields{
		"digest":    snap.Digest[:12],
		"agents":    len(snap.Agents),
		"protocols": len(snap.Protocols),
	}).Info("Registry reloaded")
	if w.onChange != nil {
		w.onChange(snap)
	}
}

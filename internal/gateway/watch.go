// ABOUTME: Watches the durable documents for out-of-process writes
// ABOUTME: A CLI racing the server shows up as a state.version broadcast

package gateway

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// stateVersionPayload is broadcast when a watched document changes on disk.
// Clients holding a stale baseHash learn to re-read before writing.
type stateVersionPayload struct {
	Source   string `json:"source"` // "credentials" or "config"
	BaseHash string `json:"baseHash,omitempty"`
}

// startWatcher begins watching the state directory. Writes land via
// temp-then-rename, so rename and create events matter as much as writes.
func (g *Gateway) startWatcher() (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(g.config.State.Dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", g.config.State.Dir, err)
	}

	go g.runWatcher(watcher)
	return watcher, nil
}

func (g *Gateway) runWatcher(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			g.notifyDocumentChange(event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			g.logger.Warn("watcher error", "error", err)
		}
	}
}

func (g *Gateway) notifyDocumentChange(path string) {
	switch filepath.Clean(path) {
	case filepath.Clean(g.creds.Path()):
		_, baseHash, _, err := g.creds.Load()
		if err != nil {
			g.logger.Warn("reloading credential store after change", "error", err)
			return
		}
		g.Broadcast("state.version", stateVersionPayload{Source: "credentials", BaseHash: baseHash}, true)
	case filepath.Clean(g.runtime.Path()):
		_, baseHash, _, err := g.runtime.Load()
		if err != nil {
			g.logger.Warn("reloading config store after change", "error", err)
			return
		}
		g.Broadcast("state.version", stateVersionPayload{Source: "config", BaseHash: baseHash}, true)
	}
}

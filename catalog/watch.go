package catalog

import (
	"context"
	"fmt"
	"time"

	"goa.design/clue/log"
	"goa.design/pulse/rmap"
)

type (
	// Loader fetches the full catalog from the backing store. Implemented by
	// the store package; kept narrow so tests can feed rows directly.
	Loader interface {
		ModelConfigs(ctx context.Context) ([]*ModelConfig, error)
	}

	// Map captures the replicated-map surface the watcher needs. Satisfied by
	// *rmap.Map.
	Map interface {
		Get(key string) (string, bool)
		Set(ctx context.Context, key, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
		Unsubscribe(c <-chan rmap.EventKind)
	}

	// Watcher keeps a Snapshot current. Any node that edits the catalog calls
	// Publish; every node's Run loop observes the broadcast and reloads.
	Watcher struct {
		snap   *Snapshot
		loader Loader
		m      Map
		seen   string
	}
)

// updatedKey is the replicated-map key bumped whenever the catalog changes.
const updatedKey = "model_config_updated"

// NewWatcher loads the initial snapshot and returns a watcher bound to it.
func NewWatcher(ctx context.Context, loader Loader, m Map) (*Watcher, *Snapshot, error) {
	rows, err := loader.ModelConfigs(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load model catalog: %w", err)
	}
	snap := NewSnapshot(rows)
	w := &Watcher{snap: snap, loader: loader, m: m}
	if v, ok := m.Get(updatedKey); ok {
		w.seen = v
	}
	return w, snap, nil
}

// Publish bumps the broadcast key so every node reloads its snapshot.
func (w *Watcher) Publish(ctx context.Context) error {
	_, err := w.m.Set(ctx, updatedKey, fmt.Sprintf("%d", time.Now().UnixNano()))
	return err
}

// Run blocks until ctx is done, reloading the snapshot each time the
// broadcast key changes. Reload failures are logged and retried on the next
// event; the stale snapshot stays in service meanwhile.
func (w *Watcher) Run(ctx context.Context) {
	c := w.m.Subscribe()
	defer w.m.Unsubscribe(c)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-c:
			if !ok {
				return
			}
			v, found := w.m.Get(updatedKey)
			if !found || v == w.seen {
				continue
			}
			rows, err := w.loader.ModelConfigs(ctx)
			if err != nil {
				log.Errorf(ctx, err, "model catalog reload failed")
				continue
			}
			w.snap.Replace(rows)
			w.seen = v
			log.Printf(ctx, "model catalog reloaded: %d models", w.snap.Len())
		}
	}
}

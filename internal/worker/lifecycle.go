package worker

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/iTrooz/offline-cache-worker/internal/cache/httpcache"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// OnInstall pre-caches the core assets into the current store as one batch.
// Failures (typically: offline on first install) are swallowed and the
// worker installs with a cold cache. A worker that cannot open its store at
// all becomes redundant.
func (w *Worker) OnInstall(ctx context.Context) error {
	w.setState(StateInstalling)

	store, err := w.caches.Open(ctx, w.version)
	if err != nil {
		w.setState(StateRedundant)
		logrus.Warnf("Cannot open cache %s, worker is redundant: %v", w.version, err)
		return nil
	}
	defer w.setState(StateInstalled)

	if err := w.precache(ctx, store); err != nil {
		logrus.Debugf("Core assets not cached, installing without them: %v", err)
		return nil
	}

	w.skipWaiting.Store(true)
	logrus.Infof("Cached %d core assets in %s", len(w.coreAssets), w.version)
	return nil
}

func (w *Worker) precache(ctx context.Context, store *httpcache.Store) error {
	reqs := make([]*http.Request, 0, len(w.coreAssets))
	for _, asset := range w.coreAssets {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.String(), nil)
		if err != nil {
			return err
		}
		reqs = append(reqs, req)
	}

	return store.AddAll(ctx, w.network, reqs)
}

// OnActivate deletes every store of this application other than the current
// one, then claims the open pages.
func (w *Worker) OnActivate(ctx context.Context) error {
	if w.State() == StateRedundant {
		return ErrRedundant
	}
	w.setState(StateActivating)
	defer w.setState(StateActivated)

	names, err := w.caches.Keys(ctx)
	if err != nil {
		return fmt.Errorf("failed to list caches: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		if name == w.version || !strings.HasPrefix(name, w.prefix) {
			continue
		}
		name := name
		g.Go(func() error {
			if _, err := w.caches.Delete(gctx, name); err != nil {
				return fmt.Errorf("failed to delete stale cache %s: %w", name, err)
			}
			logrus.Infof("Deleted stale cache %s", name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if w.clients != nil {
		if err := w.clients.Claim(ctx); err != nil {
			return fmt.Errorf("failed to claim clients: %w", err)
		}
	}
	return nil
}

package worker

import (
	"context"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// OnFetch answers an intercepted request.
//
// Only same-origin GET requests over https (or a development origin) are
// handled. Documents go network-first, everything else cache-first with a
// background refresh.
func (w *Worker) OnFetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return nil, ErrNotHandled
	}

	u := targetURL(req)
	if originOf(u) != w.origin {
		return nil, ErrNotHandled
	}
	if u.Scheme != "https" && !w.devOrigins[originOf(u)] {
		return nil, ErrNotHandled
	}
	if strings.HasPrefix(u.String(), "blob:") {
		return nil, ErrNotHandled
	}

	if isDocument(req) {
		return w.networkFirst(ctx, req)
	}

	key := w.cacheKeyFor(ctx, req)
	if key == nil {
		return nil, ErrNotHandled
	}
	return w.cacheFirst(ctx, req, key)
}

// networkFirst serves the live response and caches a copy. Offline, it falls
// back to any cached copy of the request, then to the cached shell.
func (w *Worker) networkFirst(ctx context.Context, req *http.Request) (*http.Response, error) {
	key := w.cacheKeyFor(ctx, req)

	fresh, err := w.network.RoundTrip(outgoing(req))
	if err == nil {
		if key == nil {
			return fresh, nil
		}
		copied, cerr := cloneResponse(fresh)
		if cerr == nil {
			w.background(ctx, func(ctx context.Context) {
				w.put(ctx, key, copied)
			})
			return fresh, nil
		}
		err = cerr
	}
	logrus.Debugf("Network failed for %s, falling back to cache: %v", req.URL, err)

	lookup := key
	if lookup == nil {
		lookup = req
	}
	if cached := w.match(ctx, lookup); cached != nil {
		return cached, nil
	}

	shellReq, err := http.NewRequestWithContext(ctx, http.MethodGet, w.shell.String(), nil)
	if err != nil {
		return nil, err
	}
	if shell := w.match(ctx, shellReq); shell != nil {
		return shell, nil
	}
	return nil, ErrNoResponse
}

// match searches every store. Lookup failures count as misses.
func (w *Worker) match(ctx context.Context, req *http.Request) *http.Response {
	cached, err := w.caches.Match(ctx, req)
	if err != nil {
		logrus.Warnf("Cache lookup for %s failed: %v", req.URL, err)
		return nil
	}
	return cached
}

// cacheFirst serves the cached response when there is one and refreshes it
// from the network in the background. On a miss it waits for the network.
func (w *Worker) cacheFirst(ctx context.Context, req, key *http.Request) (*http.Response, error) {
	var cached *http.Response
	store, err := w.caches.Open(ctx, w.version)
	if err == nil {
		cached, err = store.Match(ctx, key)
	}
	if err != nil {
		logrus.Warnf("Cache lookup for %s failed, using the network: %v", req.URL, err)
		cached = nil
	}

	// receives the fresh response, or nil when the network failed
	refreshed := make(chan *http.Response, 1)
	w.background(ctx, func(ctx context.Context) {
		out := outgoing(req).WithContext(ctx)
		fresh, err := w.network.RoundTrip(out)
		if err != nil {
			logrus.Debugf("Refresh of %s failed: %v", req.URL, err)
			refreshed <- nil
			return
		}
		copied, err := cloneResponse(fresh)
		if err != nil {
			logrus.Debugf("Refresh of %s failed: %v", req.URL, err)
			refreshed <- nil
			return
		}
		refreshed <- fresh

		w.put(ctx, key, copied)
	})

	if cached != nil {
		return cached, nil
	}

	// host cancellation stops the wait only, the refresh still completes
	select {
	case fresh := <-refreshed:
		if fresh == nil {
			return nil, ErrNoResponse
		}
		return fresh, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// put writes resp into the current store, handing failures to the write
// error policy
func (w *Worker) put(ctx context.Context, key *http.Request, resp *http.Response) {
	store, err := w.caches.Open(ctx, w.version)
	if err == nil {
		err = store.Put(ctx, key, resp)
	}
	if err != nil {
		w.onWriteError(key, err)
	}
}

// Package worker implements the offline cache worker: it pre-caches the page
// shell on install, drops stale caches on activate, and answers intercepted
// GET requests network-first for documents and cache-first for assets.
//
// The worker never talks to a browser. A host (see internal/proxy) delivers
// the install, activate and fetch events through EventHandler and supplies
// the cache storage, the network and the page clients.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/iTrooz/offline-cache-worker/internal/cache/httpcache"
)

var (
	// ErrNotHandled means the worker leaves the request to default network handling
	ErrNotHandled = errors.New("request not handled by worker")
	// ErrNoResponse means the worker handled the request but had nothing to answer with
	ErrNoResponse = errors.New("no response available")
	// ErrRedundant is returned when activating a worker whose install failed
	ErrRedundant = errors.New("worker is redundant")
)

// EventHandler receives the lifecycle and fetch events of a worker
type EventHandler interface {
	OnInstall(ctx context.Context) error
	OnActivate(ctx context.Context) error
	// OnFetch returns the response for req, ErrNotHandled to pass it
	// through, or ErrNoResponse when the request must fail.
	OnFetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Caches is the named cache storage of the worker origin
type Caches interface {
	Open(ctx context.Context, name string) (*httpcache.Store, error)
	Keys(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) (bool, error)
	// Match searches every store
	Match(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Clients lets the worker take control of the pages of its origin
type Clients interface {
	Claim(ctx context.Context) error
}

// State is the lifecycle position of a worker
type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	// StateRedundant is final: install could not open the cache storage
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options configures a Worker
type Options struct {
	// Origin the worker is registered on. Only its scheme and host are used.
	Origin *url.URL
	// Scope path; core assets and the shell are resolved against it. Defaults to "/".
	Scope string
	// Version names the current cache store
	Version string
	// Prefix marks the stores owned by this application
	Prefix string
	// CoreAssets are pre-cached on install
	CoreAssets []string
	// Shell is served when a document is requested offline and not cached.
	// Defaults to "./index.html".
	Shell string
	// DevOrigins are plain-http origins that are still intercepted
	DevOrigins []string

	Network http.RoundTripper
	Caches  Caches
	// Clients may be nil when no host needs to be claimed
	Clients Clients
	// OnWriteError defaults to IgnoreWriteError
	OnWriteError WriteErrorHandler
}

// Worker is the offline cache worker
type Worker struct {
	origin     string
	base       *url.URL
	version    string
	prefix     string
	coreAssets []*url.URL
	shell      *url.URL
	devOrigins map[string]bool

	network      http.RoundTripper
	caches       Caches
	clients      Clients
	onWriteError WriteErrorHandler

	state       atomic.Int32
	skipWaiting atomic.Bool
	pending     sync.WaitGroup
}

var _ EventHandler = (*Worker)(nil)

// New creates a worker
func New(opts Options) (*Worker, error) {
	if opts.Origin == nil || opts.Origin.Scheme == "" || opts.Origin.Host == "" {
		return nil, fmt.Errorf("worker origin must be an absolute URL")
	}
	if opts.Version == "" {
		return nil, fmt.Errorf("worker version is required")
	}
	if opts.Prefix == "" {
		return nil, fmt.Errorf("worker prefix is required")
	}
	if opts.Network == nil {
		return nil, fmt.Errorf("worker network is required")
	}
	if opts.Caches == nil {
		return nil, fmt.Errorf("worker caches are required")
	}

	scope := opts.Scope
	if scope == "" {
		scope = "/"
	}
	if !strings.HasSuffix(scope, "/") {
		scope += "/"
	}
	shell := opts.Shell
	if shell == "" {
		shell = "./index.html"
	}

	w := &Worker{
		origin:       originOf(opts.Origin),
		version:      opts.Version,
		prefix:       opts.Prefix,
		devOrigins:   make(map[string]bool),
		network:      opts.Network,
		caches:       opts.Caches,
		clients:      opts.Clients,
		onWriteError: opts.OnWriteError,
	}
	if w.onWriteError == nil {
		w.onWriteError = IgnoreWriteError
	}

	base, err := url.Parse(w.origin)
	if err != nil {
		return nil, fmt.Errorf("invalid worker origin: %w", err)
	}
	w.base = base.ResolveReference(&url.URL{Path: scope})

	for _, asset := range opts.CoreAssets {
		u, err := w.resolve(asset)
		if err != nil {
			return nil, fmt.Errorf("invalid core asset %q: %w", asset, err)
		}
		w.coreAssets = append(w.coreAssets, u)
	}

	if w.shell, err = w.resolve(shell); err != nil {
		return nil, fmt.Errorf("invalid shell %q: %w", shell, err)
	}

	for _, dev := range opts.DevOrigins {
		u, err := url.Parse(dev)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid development origin %q", dev)
		}
		w.devOrigins[originOf(u)] = true
	}

	return w, nil
}

// resolve maps a scope-relative path to a same-origin URL
func (w *Worker) resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	resolved := w.base.ResolveReference(u)
	if originOf(resolved) != w.origin {
		return nil, fmt.Errorf("not on origin %s", w.origin)
	}
	return resolved, nil
}

// Version returns the name of the current cache store
func (w *Worker) Version() string {
	return w.version
}

// State returns the lifecycle state
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// SkipWaitingRequested reports whether install asked to activate without
// waiting for the previous worker to release its pages
func (w *Worker) SkipWaitingRequested() bool {
	return w.skipWaiting.Load()
}

// Wait blocks until background cache writes and refreshes are done
func (w *Worker) Wait() {
	w.pending.Wait()
}

// background runs fn detached from the caller's cancellation, tracked by Wait
func (w *Worker) background(ctx context.Context, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	w.pending.Add(1)
	go func() {
		defer w.pending.Done()
		fn(ctx)
	}()
}

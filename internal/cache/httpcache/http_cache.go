package httpcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/iTrooz/offline-cache-worker/internal/cache"

	"github.com/sirupsen/logrus"
)

var (
	// ErrUnsupportedRequest is returned when putting a non-GET request
	ErrUnsupportedRequest = errors.New("only GET requests can be cached")
	// ErrUnsupportedResponse is returned for partial or Vary: * responses
	ErrUnsupportedResponse = errors.New("response cannot be cached")
)

// Store is one named cache of request/response pairs
type Store struct {
	name  string
	cache cache.GenericCache
}

func newStore(name string, cache cache.GenericCache) *Store {
	return &Store{
		name:  name,
		cache: cache,
	}
}

// Name returns the store name
func (s *Store) Name() string {
	return s.name
}

// dirSuffix ends every directory of a key. escapeSegment never emits it and
// entry file names never end with it, so a file key can never sit where
// another key needs a directory.
const dirSuffix = "@"

// maxSegment keeps escaped segments under common file name limits
const maxSegment = 200

// GenerateKey builds the store key of a request from its method, escaped
// path and query. Stores are scoped to one origin, so the host is not part of
// the key. Distinct paths map to distinct keys: "/a%2Fb", "/a/b", "//a/b" and
// "/a/b/" all differ.
func GenerateKey(request *http.Request) (string, error) {
	if request.URL == nil {
		return "", fmt.Errorf("request has no URL")
	}

	// Build path: seg@/seg@/METHOD[_q<queryhash>].bin
	var pathParts []string
	if escaped := strings.TrimPrefix(request.URL.EscapedPath(), "/"); escaped != "" {
		for _, segment := range strings.Split(escaped, "/") {
			pathParts = append(pathParts, escapeSegment(segment)+dirSuffix)
		}
	}

	filename := request.Method
	if filename == "" {
		filename = http.MethodGet
	}
	if request.URL.RawQuery != "" {
		hash := sha256.Sum256([]byte(request.URL.RawQuery))
		filename += "_q" + hex.EncodeToString(hash[:])[:16]
	}
	filename += ".bin"

	pathParts = append(pathParts, filename)

	return filepath.Join(pathParts...), nil
}

// escapeSegment turns one escaped path segment into a file name. Bytes
// outside [A-Za-z0-9-._~] are percent-encoded, '%' included, so the mapping
// is one to one. Overlong segments are replaced by "%h" and their hash,
// which no encoded segment can start with.
func escapeSegment(segment string) string {
	var b strings.Builder
	for i := 0; i < len(segment); i++ {
		c := segment[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	if b.Len() > maxSegment {
		hash := sha256.Sum256([]byte(segment))
		return "%h" + hex.EncodeToString(hash[:])
	}
	return b.String()
}

// Put stores resp under the key of req. resp.Body stays readable.
func (s *Store) Put(ctx context.Context, req *http.Request, resp *http.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.Method != "" && req.Method != http.MethodGet {
		return ErrUnsupportedRequest
	}
	if resp.StatusCode == http.StatusPartialContent {
		return fmt.Errorf("%w: partial content", ErrUnsupportedResponse)
	}
	if strings.TrimSpace(resp.Header.Get("Vary")) == "*" {
		return fmt.Errorf("%w: Vary: *", ErrUnsupportedResponse)
	}

	cacheKey, err := GenerateKey(req)
	if err != nil {
		return fmt.Errorf("failed to generate cache key: %w", err)
	}

	data, err := Serialize(resp)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if err := s.cache.Set(cacheKey, data); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	logrus.Debugf("Stored %s in %s", req.URL.Path, s.name)
	return nil
}

// Match returns the response cached for req, or nil, nil on a miss
func (s *Store) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Method != "" && req.Method != http.MethodGet {
		return nil, nil
	}

	requestKey, err := GenerateKey(req)
	if err != nil {
		return nil, fmt.Errorf("failed to generate cache key: %w", err)
	}

	data, err := s.cache.Get(requestKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get cache: %w", err)
	}
	if data == nil {
		return nil, nil // Cache miss
	}

	resp, err := Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize response: %w", err)
	}
	// Associate the original request with the response
	resp.Request = req

	logrus.Debugf("Cache hit for %s %s in %s", req.Method, req.URL.Path, s.name)
	return resp, nil
}

// Delete removes the entry of req
func (s *Store) Delete(ctx context.Context, req *http.Request) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	requestKey, err := GenerateKey(req)
	if err != nil {
		return false, fmt.Errorf("failed to generate cache key: %w", err)
	}
	return s.cache.Delete(requestKey)
}

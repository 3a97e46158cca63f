package httpcache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// AddAll fetches every request through network and stores the responses.
// Either all of them are stored or none: any transport error or non-2xx
// response aborts the batch before the first write.
func (s *Store) AddAll(ctx context.Context, network http.RoundTripper, reqs []*http.Request) error {
	for _, req := range reqs {
		if req.Method != "" && req.Method != http.MethodGet {
			return fmt.Errorf("%s %s: %w", req.Method, req.URL, ErrUnsupportedRequest)
		}
	}

	resps := make([]*http.Response, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			resp, err := network.RoundTrip(req.Clone(gctx))
			if err != nil {
				return fmt.Errorf("failed to fetch %s: %w", req.URL, err)
			}
			body, err := io.ReadAll(resp.Body)
			_ = resp.Body.Close()

			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				return fmt.Errorf("failed to fetch %s: %w: status %d", req.URL, ErrUnsupportedResponse, resp.StatusCode)
			}
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", req.URL, err)
			}
			resp.Body = io.NopCloser(bytes.NewReader(body))
			resps[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, req := range reqs {
		if err := s.Put(ctx, req, resps[i]); err != nil {
			// roll back what this batch already wrote
			for _, done := range reqs[:i] {
				_, _ = s.Delete(context.WithoutCancel(ctx), done)
			}
			return err
		}
	}
	return nil
}

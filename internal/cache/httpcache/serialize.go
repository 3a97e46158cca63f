package httpcache

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"net/http/httputil"
)

const PREFIX = "---HTTP-RESPONSE---\n"

// Serialize dumps the response in HTTP/1.x wire format behind PREFIX.
// resp.Body is replaced with an unread copy, so the caller can still use it.
func Serialize(resp *http.Response) ([]byte, error) {
	r := *resp
	if r.ProtoMajor == 0 {
		r.Proto, r.ProtoMajor, r.ProtoMinor = "HTTP/1.1", 1, 1
	}

	b, err := httputil.DumpResponse(&r, true)
	resp.Body = r.Body
	if err != nil {
		return nil, err
	}

	return append([]byte(PREFIX), b...), nil
}

func Deserialize(b []byte) (*http.Response, error) {
	if !bytes.HasPrefix(b, []byte(PREFIX)) {
		got := b[:min(len(b), len(PREFIX))]
		return nil, fmt.Errorf("invalid prefix: expected '%s', got '%s'", PREFIX, got)
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b[len(PREFIX):])), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize response: %w", err)
	}

	return resp, nil
}

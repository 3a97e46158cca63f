package worker

import (
	"net/http"

	"github.com/sirupsen/logrus"
)

// WriteErrorHandler receives cache writes that failed. Cache writes are
// best-effort: the error never reaches the requester, whatever the handler
// does with it.
type WriteErrorHandler func(key *http.Request, err error)

// IgnoreWriteError is the default WriteErrorHandler. It discards the error
// after a debug log line.
func IgnoreWriteError(key *http.Request, err error) {
	logrus.Debugf("Ignoring failed cache write for %s: %v", key.URL.Path, err)
}

package testutil

import (
	"net/http/httptest"
	"testing"

	"github.com/thruflo/comsync/internal/relay"
)

// StartRelay serves a relay on an httptest server and returns the base URL
// that clients should use, including the relay base path. The server is
// closed when the test completes.
func StartRelay(t *testing.T, opts relay.ServerOptions) (*relay.Server, string) {
	t.Helper()

	srv := relay.NewServer(opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts.URL + relay.BasePath
}

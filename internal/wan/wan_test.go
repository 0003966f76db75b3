package wan

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T, urls ...string) *Tracker {
	t.Helper()
	tr := NewTracker(filepath.Join(t.TempDir(), "wan_ip.json"), logrus.New())
	tr.ProbeURLs = urls
	return tr
}

func TestPublicIPFallsBackAcrossServices(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("203.0.113.7\n"))
	}))
	defer good.Close()

	tr := newTestTracker(t, bad.URL, good.URL)
	ip, err := tr.PublicIP(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", ip)
}

func TestPublicIPRejectsGarbage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not an ip</html>"))
	}))
	defer srv.Close()

	tr := newTestTracker(t, srv.URL)
	_, err := tr.PublicIP(context.Background())
	assert.Error(t, err)
}

func TestCheckTracksChanges(t *testing.T) {
	ip := "198.51.100.1"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(ip))
	}))
	defer srv.Close()

	tr := newTestTracker(t, srv.URL)

	first, err := tr.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.1", first.IP)
	assert.NotEmpty(t, first.ChangedAt)

	// Same address: changed_at must be stable.
	second, err := tr.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.ChangedAt, second.ChangedAt)

	// New address: changed_at moves.
	ip = "198.51.100.2"
	third, err := tr.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.2", third.IP)
	assert.GreaterOrEqual(t, third.ChangedAt, first.ChangedAt)
	assert.Equal(t, third.CheckedAt, third.ChangedAt)

	// Persisted across tracker instances.
	fresh := NewTracker(tr.Path, logrus.New())
	assert.Equal(t, "198.51.100.2", fresh.Last().IP)
}

package node

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rdcsync/rdcsync/config"
	"github.com/rdcsync/rdcsync/wtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.PeerRetries = 0
	return cfg
}

func Test_ServerIDPersists(t *testing.T) {
	cfg := testConfig(t)

	n, err := New(cfg, nil, nil)
	wtest.Must(t, err)
	id := n.ServerID
	assert.NotEmpty(t, id)
	wtest.Must(t, n.Close())

	n, err = New(cfg, nil, nil)
	wtest.Must(t, err)
	assert.Equal(t, id, n.ServerID)
	wtest.Must(t, n.Close())

	cfg.ServerID = "configured"
	n, err = New(cfg, nil, nil)
	wtest.Must(t, err)
	assert.Equal(t, "configured", n.ServerID)
	wtest.Must(t, n.Close())
}

func Test_DataDirLocked(t *testing.T) {
	cfg := testConfig(t)

	n, err := New(cfg, nil, nil)
	wtest.Must(t, err)

	_, err = New(cfg, nil, nil)
	assert.ErrorIs(t, err, ErrLocked)

	wtest.Must(t, n.Close())

	n, err = New(cfg, nil, nil)
	wtest.Must(t, err)
	wtest.Must(t, n.Close())
}

func Test_NodesSynchronize(t *testing.T) {
	start := func(cache string) (*Node, *httptest.Server) {
		cfg := testConfig(t)
		cfg.SignatureCache = cache
		ts := httptest.NewUnstartedServer(nil)
		cfg.ServerURL = "http://" + ts.Listener.Addr().String()

		n, err := New(cfg, nil, nil)
		wtest.Must(t, err)
		ts.Config.Handler = n.Server.Handler()
		ts.Start()
		t.Cleanup(func() {
			ts.Close()
			n.Close()
		})
		return n, ts
	}

	a, _ := start(config.CacheMemory)
	b, _ := start(config.CacheDisk)

	content := strings.Repeat("the quick brown fox ", 20000)
	_, err := a.Store.PutFile(context.Background(), "fox.txt", map[string]string{}, strings.NewReader(content))
	wtest.Must(t, err)

	report, err := b.Controller.Proceed(context.Background(), "fox.txt", a.Config.ServerURL)
	wtest.Must(t, err)
	assert.True(t, report.Succeeded())

	rec, err := b.Store.Stat("fox.txt")
	wtest.Must(t, err)
	require.EqualValues(t, len(content), rec.Length)

	// a second pull only copies
	report, err = b.Controller.Proceed(context.Background(), "fox.txt", a.Config.ServerURL)
	wtest.Must(t, err)
	assert.EqualValues(t, 0, report.BytesTransfered)
}

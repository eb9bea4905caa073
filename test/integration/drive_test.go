package integration

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"driveshare/pkg/config"
	"driveshare/pkg/node"
	"driveshare/pkg/swarm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// recordingBackend exposes the DHT a node opened so a second node can
// bootstrap from it.
type recordingBackend struct {
	*node.NetworkBackend

	mu  sync.Mutex
	dht *swarm.DHT
}

func (b *recordingBackend) OpenDHT(cfg config.NetworkConfig) (node.DHT, error) {
	d, err := b.NetworkBackend.OpenDHT(cfg)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.dht = d.(*swarm.DHT)
	b.mu.Unlock()
	return d, nil
}

func (b *recordingBackend) addrs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dht.Addrs()
}

func localConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Port = 0
	cfg.Network = config.NetworkConfig{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}}
	cfg.SeedStore = filepath.Join(t.TempDir(), "seed")
	cfg.ReplicaStore = filepath.Join(t.TempDir(), "replica")
	return cfg
}

func startNode(t *testing.T, cfg *config.Config) (*node.Node, *recordingBackend) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	backend := &recordingBackend{NetworkBackend: node.NewNetworkBackend(logger)}

	n := node.New(cfg, backend, logger, node.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, n.Start(ctx))
	t.Cleanup(func() { n.Destroy() })
	return n, backend
}

func startSeed(t *testing.T) (*node.Node, *recordingBackend, string) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("hello"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "css"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "css", "site.css"), []byte("body{}"), 0644))

	cfg := localConfig(t)
	cfg.Seed = dir
	n, backend := startNode(t, cfg)
	return n, backend, dir
}

var noRedirect = &http.Client{
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	},
	Timeout: 30 * time.Second,
}

func fetch(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := noRedirect.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

// probe is fetch for polling loops, where failing the test is not allowed.
func probe(url string) (int, string) {
	resp, err := noRedirect.Get(url)
	if err != nil {
		return 0, ""
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, ""
	}
	return resp.StatusCode, string(body)
}

func TestSeedServesDirectory(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	n, _, _ := startSeed(t)
	base := n.URL()

	resp, _ := fetch(t, base+"/")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/index.html", resp.Header.Get("Location"))

	resp, body := fetch(t, base+"/index.html")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", body)
	assert.Equal(t, "public, max-age=60, s-maxage=600", resp.Header.Get("Cache-Control"))
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	req, err := http.NewRequest(http.MethodGet, base+"/index.html", nil)
	require.NoError(t, err)
	req.Header.Set("If-None-Match", etag)
	cached, err := noRedirect.Do(req)
	require.NoError(t, err)
	cached.Body.Close()
	assert.Equal(t, http.StatusNotModified, cached.StatusCode)

	resp, body = fetch(t, base+"/css/site.css")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "body{}", body)

	resp, body = fetch(t, base+"/missing.txt")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Not found", body)
}

func TestSeedPublishesLocalEdits(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	n, _, dir := startSeed(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("edited"), 0644))

	require.Eventually(t, func() bool {
		_, body := probe(n.URL() + "/index.html")
		return body == "edited"
	}, 10*time.Second, 100*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, "css", "site.css")))
	require.Eventually(t, func() bool {
		code, _ := probe(n.URL() + "/css/site.css")
		return code == http.StatusNotFound
	}, 10*time.Second, 100*time.Millisecond)
}

func TestReplicaServesSeedDrive(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	seed, seedBackend, _ := startSeed(t)

	cfg := localConfig(t)
	cfg.Join = seed.Status().Key
	cfg.Network.Bootstrap = seedBackend.addrs()
	replica, _ := startNode(t, cfg)

	resp, body := fetch(t, replica.URL()+"/index.html")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", body)

	resp, body = fetch(t, replica.URL()+"/css/site.css")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "body{}", body)

	st := replica.Status()
	assert.Equal(t, seed.Status().Key, st.Key)
	assert.GreaterOrEqual(t, st.Peers, 1)
}

func TestReplicaWithoutSeedExits(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	cfg := localConfig(t)
	cfg.Join = "0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f"

	n := node.New(cfg, node.NewNetworkBackend(zaptest.NewLogger(t)), zaptest.NewLogger(t), node.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := n.Start(ctx)
	require.ErrorIs(t, err, node.ErrNoSeedReachable)
	<-n.Done()
}

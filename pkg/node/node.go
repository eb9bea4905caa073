// Package node runs a drive as a seed or a replica: it brings up the peer
// network, keeps the drive in sync and serves it over HTTP.
package node

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"driveshare/pkg/admin"
	"driveshare/pkg/config"
	"driveshare/pkg/metrics"
	"driveshare/pkg/mirror"
	"driveshare/pkg/refresher"
	"driveshare/pkg/server"
	"driveshare/pkg/swarm"
	"driveshare/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ErrNoSeedReachable means a replica found neither data nor peers.
var ErrNoSeedReachable = errors.New("no seed reachable: drive is empty and no peers are connected")

const (
	teardownTimeout = 10 * time.Second
	reportInterval  = 10 * time.Second
)

type Options struct {
	// Registry receives the node metrics. A private registry is used when nil.
	Registry *prometheus.Registry
	// Refresh tunes the replica's discovery refresher.
	Refresh refresher.Options
}

type Node struct {
	cfg     *config.Config
	backend Backend
	logger  *zap.Logger
	opts    Options

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	mu        sync.Mutex
	state     types.LifecycleState
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	dht       DHT
	swarm     Swarm
	store     Store
	drive     Drive
	discovery Discovery

	synchronizer  *mirror.Synchronizer
	refresher     *refresher.Refresher
	stopObserving func()
	watchDone     chan struct{}

	http          *server.Server
	admin         *admin.Server
	metricsServer *http.Server
	unmount       func() error
	url           string

	started     chan struct{}
	destroyOnce sync.Once
	destroyErr  error
	done        chan struct{}
}

func New(cfg *config.Config, backend Backend, logger *zap.Logger, opts Options) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	return &Node{
		cfg:      cfg,
		backend:  backend,
		logger:   logger,
		opts:     opts,
		registry: registry,
		metrics:  metrics.New(registry),
		started:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start validates the configuration, joins the network and begins serving.
// Any failure after validation tears the node down before returning.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.state != types.StateUnstarted {
		n.mu.Unlock()
		return fmt.Errorf("node already started (%s)", n.state)
	}
	if err := n.cfg.Validate(); err != nil {
		n.transitionLocked(types.StateStopped)
		close(n.started)
		close(n.done)
		n.mu.Unlock()
		return err
	}
	n.transitionLocked(types.StateStarting)
	n.startedAt = time.Now()
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.mu.Unlock()

	// Destroy during start aborts whatever start is blocked on.
	startCtx, stop := context.WithCancel(ctx)
	defer stop()
	context.AfterFunc(n.ctx, stop)

	err := n.start(startCtx)
	if err == nil && n.ctx.Err() != nil {
		err = fmt.Errorf("node destroyed while starting: %w", context.Canceled)
	}
	if err == nil {
		n.mu.Lock()
		if n.state == types.StateStarting {
			n.transitionLocked(types.StateRunning)
		}
		n.mu.Unlock()
	}
	close(n.started)

	if err != nil {
		if destroyErr := n.Destroy(); destroyErr != nil {
			n.logger.Warn("Teardown after failed start reported errors", zap.Error(destroyErr))
		}
		return err
	}

	n.logger.Info("Drive ready",
		zap.String("mode", string(n.cfg.Mode())),
		zap.String("key", n.drive.Key().String()),
		zap.String("url", n.url))
	return nil
}

func (n *Node) start(ctx context.Context) error {
	dht, err := n.backend.OpenDHT(n.cfg.Network)
	if err != nil {
		return fmt.Errorf("failed to open DHT: %w", err)
	}
	n.dht = dht
	if err := dht.Ready(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	sw, err := n.backend.OpenSwarm(dht, swarm.Options{MDNS: n.cfg.Network.MDNS})
	if err != nil {
		return fmt.Errorf("failed to open swarm: %w", err)
	}
	n.swarm = sw
	sw.OnError(func(err error) {
		n.logger.Warn("Swarm error", zap.Error(err))
	})

	if n.cfg.Mode() == types.ModeSeed {
		err = n.startSeed(ctx)
	} else {
		err = n.startReplica(ctx)
	}
	if err != nil {
		return err
	}

	return n.serve()
}

func (n *Node) openDrive(ctx context.Context, dir string, key *types.JoinKey) error {
	store, err := n.backend.OpenStore(dir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	n.store = store
	if err := store.Ready(ctx); err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	d, err := n.backend.OpenDrive(ctx, store, key)
	if err != nil {
		return fmt.Errorf("failed to open drive: %w", err)
	}
	n.drive = d
	if err := d.Ready(ctx); err != nil {
		return fmt.Errorf("failed to open drive: %w", err)
	}

	n.swarm.OnConnection(func(conn io.ReadWriteCloser) {
		n.logger.Debug("Replicating with new peer")
		d.Replicate(conn)
	})
	return nil
}

func (n *Node) startSeed(ctx context.Context) error {
	if err := n.openDrive(ctx, n.cfg.SeedStore, nil); err != nil {
		return err
	}

	maxSize, err := n.cfg.MaxFileBytes()
	if err != nil {
		return err
	}
	opts := mirror.Options{
		Ignore:      storeIgnore(n.cfg.Seed, n.cfg.SeedStore),
		MaxFileSize: maxSize,
	}

	// The first pass must succeed before the drive is announced.
	res, err := mirror.Mirror(ctx, n.cfg.Seed, n.drive, opts)
	n.metrics.ObserveMirror(res, err)
	if err != nil {
		return fmt.Errorf("failed to mirror %s: %w", n.cfg.Seed, err)
	}
	n.logger.Info("Mirrored directory",
		zap.String("path", n.cfg.Seed),
		zap.Int("count", res.Count()),
		zap.Int("skipped", res.Skipped))

	n.synchronizer = mirror.NewSynchronizer(n.ctx, n.cfg.Seed, n.drive, opts, n.logger.Named("mirror"), n.metrics)

	n.discovery = n.swarm.Join(n.drive.DiscoveryKey(), swarm.JoinOptions{Server: true})
	if err := n.discovery.Flushed(ctx); err != nil {
		return fmt.Errorf("failed to announce drive: %w", err)
	}
	n.logger.Info("Announced drive",
		zap.String("discovery_key", hex.EncodeToString(n.drive.DiscoveryKey())))

	n.watchDone = make(chan struct{})
	go func() {
		defer close(n.watchDone)
		if err := n.backend.Watch(n.ctx, n.cfg.Seed, n.synchronizer.Request, opts.Ignore); err != nil {
			n.logger.Error("File watcher stopped", zap.String("path", n.cfg.Seed), zap.Error(err))
		}
	}()

	return nil
}

func (n *Node) startReplica(ctx context.Context) error {
	key, err := n.cfg.JoinKey()
	if err != nil {
		return err
	}
	if err := n.openDrive(ctx, n.cfg.ReplicaStore, &key); err != nil {
		return err
	}

	n.logger.Info("Looking for peers", zap.String("key", key.String()))

	done := n.store.FindingPeers()
	n.discovery = n.swarm.Join(n.drive.DiscoveryKey(), swarm.JoinOptions{Client: true, Server: true})
	err = n.swarm.Flush(ctx)
	done()
	if err != nil {
		return fmt.Errorf("failed to flush swarm: %w", err)
	}

	core := n.drive.Core()
	if _, err := core.Update(ctx, true); err != nil {
		return fmt.Errorf("failed to update drive: %w", err)
	}

	if core.Length() == 0 && core.Peers() == 0 {
		n.logger.Error("No seed reachable for drive", zap.String("key", key.String()))
		return ErrNoSeedReachable
	}

	n.logger.Info("Drive synced",
		zap.Uint64("length", core.Length()),
		zap.Int("peers", core.Peers()))

	if n.cfg.Full {
		n.logger.Info("Downloading full drive")
		if err := n.drive.Download(ctx); err != nil {
			return fmt.Errorf("failed to download drive: %w", err)
		}
	}

	refreshOpts := n.opts.Refresh
	if refreshOpts.Observer == nil {
		refreshOpts.Observer = n.metrics
	}
	n.refresher = refresher.New(n.discovery, n.logger.Named("refresher"), refreshOpts)
	n.refresher.Start(n.ctx)

	n.stopObserving = core.OnPeerRemove(func(remaining int) {
		n.metrics.SetPeers(remaining)
		if remaining == 0 {
			n.logger.Warn("Last peer disconnected, refreshing discovery")
			n.refresher.Trigger()
		}
	})

	return nil
}

func (n *Node) serve() error {
	n.http = server.New(server.Config{
		Port:          n.cfg.Port,
		AllowedOrigin: n.cfg.AllowedOrigin,
	}, n.drive, n.logger.Named("http"), n.metrics)
	if err := n.http.Start(); err != nil {
		return err
	}

	n.url = n.cfg.ProxyURL
	if n.url == "" {
		n.url = fmt.Sprintf("http://localhost:%d", n.http.Port())
	}

	if n.cfg.MetricsPort > 0 {
		n.metricsServer = metrics.StartServer(n.cfg.MetricsPort, n.registry, func() bool {
			return n.State() == types.StateRunning
		}, n.logger.Named("metrics"))
	}

	if n.cfg.AdminAddr != "" {
		n.admin = admin.NewServer(n, n.logger.Named("admin"))
		if err := n.admin.Start(n.cfg.AdminAddr); err != nil {
			n.admin = nil
			return fmt.Errorf("failed to start admin service: %w", err)
		}
	}

	if n.cfg.MountPoint != "" {
		unmount, err := n.backend.Mount(n.cfg.MountPoint, n.drive)
		if err != nil {
			n.logger.Warn("Failed to mount drive", zap.String("mount_point", n.cfg.MountPoint), zap.Error(err))
		} else {
			n.unmount = unmount
		}
	}

	go n.reportLoop()
	return nil
}

func (n *Node) reportLoop() {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()

	for {
		n.report()
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (n *Node) report() {
	core := n.drive.Core()
	n.metrics.SetPeers(core.Peers())
	n.metrics.SetDriveLength(core.Length())
}

// Destroy tears the node down. It is safe to call more than once and from
// any state; later calls return the first call's result.
func (n *Node) Destroy() error {
	n.destroyOnce.Do(func() {
		n.mu.Lock()
		switch n.state {
		case types.StateUnstarted:
			n.transitionLocked(types.StateShuttingDown)
			n.transitionLocked(types.StateStopped)
			close(n.started)
			close(n.done)
			n.mu.Unlock()
			return
		case types.StateStopped:
			n.mu.Unlock()
			return
		case types.StateStarting:
			n.mu.Unlock()
			n.cancel()
			<-n.started
			n.mu.Lock()
		}
		n.transitionLocked(types.StateShuttingDown)
		n.mu.Unlock()

		n.destroyErr = n.teardown()

		n.setState(types.StateStopped)
		close(n.done)
	})
	return n.destroyErr
}

func (n *Node) teardown() error {
	var errs []error
	record := func(what string, err error) {
		if err != nil {
			n.logger.Warn("Teardown step failed", zap.String("step", what), zap.Error(err))
			errs = append(errs, fmt.Errorf("failed to %s: %w", what, err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	n.cancel()
	if n.stopObserving != nil {
		n.stopObserving()
	}
	if n.watchDone != nil {
		<-n.watchDone
	}

	if n.http != nil {
		record("close HTTP server", n.http.Close(ctx))
	}
	if n.refresher != nil {
		record("wait for refresher", n.refresher.Wait(ctx))
	}
	if n.discovery != nil {
		n.discovery.Leave()
	}
	if n.swarm != nil {
		record("destroy swarm", n.swarm.Destroy())
	}
	if n.dht != nil {
		record("destroy DHT", n.dht.Destroy())
	}

	if n.unmount != nil {
		record("unmount drive", n.unmount())
	}
	if n.admin != nil {
		n.admin.Stop()
	}
	if n.metricsServer != nil {
		record("close metrics server", n.metricsServer.Shutdown(ctx))
	}

	if n.synchronizer != nil {
		record("wait for mirror", n.synchronizer.Wait(ctx))
	}
	if n.drive != nil {
		record("close drive", n.drive.Close())
	}
	if n.store != nil {
		record("close store", n.store.Close())
	}

	n.logger.Info("Node stopped")
	return errors.Join(errs...)
}

// Done is closed once the node has stopped.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

func (n *Node) State() types.LifecycleState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Node) setState(s types.LifecycleState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitionLocked(s)
}

func (n *Node) transitionLocked(s types.LifecycleState) {
	n.logger.Debug("Lifecycle state changed",
		zap.String("from", n.state.String()),
		zap.String("to", s.String()))
	n.state = s
}

// URL is the address the drive is served at. Empty until running.
func (n *Node) URL() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != types.StateRunning {
		return ""
	}
	return n.url
}

// Status implements admin.StatusProvider.
func (n *Node) Status() types.NodeStatus {
	n.mu.Lock()
	st := types.NodeStatus{
		Mode:      n.cfg.Mode(),
		State:     n.state,
		Port:      n.cfg.Port,
		Full:      n.cfg.Full,
		StartedAt: n.startedAt,
	}
	running := n.state == types.StateRunning
	n.mu.Unlock()

	if !running {
		return st
	}

	st.URL = n.url
	st.Port = n.http.Port()
	st.Key = n.drive.Key().String()
	st.DiscoveryKey = hex.EncodeToString(n.drive.DiscoveryKey())
	core := n.drive.Core()
	st.Peers = core.Peers()
	st.Length = core.Length()
	return st
}

// storeIgnore hides the store directory from the mirror when it lives inside
// the seeded directory.
func storeIgnore(seed, store string) func(rel string) bool {
	seedAbs, err1 := filepath.Abs(seed)
	storeAbs, err2 := filepath.Abs(store)
	if err1 != nil || err2 != nil {
		return nil
	}
	rel, err := filepath.Rel(seedAbs, storeAbs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil
	}
	rel = filepath.ToSlash(rel)
	return func(p string) bool {
		return p == rel || strings.HasPrefix(p, rel+"/")
	}
}

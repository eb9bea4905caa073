package node

import (
	"context"
	"fmt"
	"io"

	"driveshare/pkg/config"
	"driveshare/pkg/drive"
	"driveshare/pkg/fuse"
	"driveshare/pkg/storage"
	"driveshare/pkg/swarm"
	"driveshare/pkg/types"
	"driveshare/pkg/watcher"

	"go.uber.org/zap"
)

// NetworkBackend runs a node on libp2p, sqlite and the local filesystem.
type NetworkBackend struct {
	logger *zap.Logger
}

func NewNetworkBackend(logger *zap.Logger) *NetworkBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NetworkBackend{logger: logger}
}

func (b *NetworkBackend) OpenDHT(cfg config.NetworkConfig) (DHT, error) {
	return swarm.NewDHT(cfg, b.logger.Named("dht"))
}

func (b *NetworkBackend) OpenSwarm(d DHT, opts swarm.Options) (Swarm, error) {
	dht, ok := d.(*swarm.DHT)
	if !ok {
		return nil, fmt.Errorf("unsupported DHT %T", d)
	}
	s, err := swarm.New(dht, opts, b.logger.Named("swarm"))
	if err != nil {
		return nil, err
	}
	return &swarmAdapter{s}, nil
}

func (b *NetworkBackend) OpenStore(dir string) (Store, error) {
	return storage.Open(dir, b.logger.Named("store"))
}

func (b *NetworkBackend) OpenDrive(ctx context.Context, store Store, key *types.JoinKey) (Drive, error) {
	s, ok := store.(*storage.Store)
	if !ok {
		return nil, fmt.Errorf("unsupported store %T", store)
	}
	d, err := drive.Open(ctx, s, key, b.logger.Named("drive"))
	if err != nil {
		return nil, err
	}
	return &driveAdapter{d}, nil
}

func (b *NetworkBackend) Watch(ctx context.Context, dir string, onChange func(), ignore func(rel string) bool) error {
	return watcher.Watch(ctx, dir, onChange, ignore, b.logger.Named("watcher"))
}

func (b *NetworkBackend) Mount(dir string, d Drive) (func() error, error) {
	return fuse.Mount(dir, d, b.logger.Named("fuse"))
}

type swarmAdapter struct {
	*swarm.Swarm
}

func (s *swarmAdapter) Join(topic []byte, opts swarm.JoinOptions) Discovery {
	return s.Swarm.Join(topic, opts)
}

func (s *swarmAdapter) OnConnection(fn func(conn io.ReadWriteCloser)) {
	s.Swarm.OnConnection(func(c *swarm.Conn) { fn(c) })
}

type driveAdapter struct {
	*drive.Drive
}

func (d *driveAdapter) Core() Log {
	return d.Drive.Core()
}

package node

import (
	"context"
	"io"

	"driveshare/pkg/config"
	"driveshare/pkg/swarm"
	"driveshare/pkg/types"
)

// DHT is the peer routing layer the swarm runs on.
type DHT interface {
	Ready(ctx context.Context) error
	Destroy() error
}

// Discovery is participation in one topic.
type Discovery interface {
	Flushed(ctx context.Context) error
	Refresh(ctx context.Context) error
	Connections() int
	Leave()
}

// Swarm finds peers for topics and hands their connections to the drive.
type Swarm interface {
	Join(topic []byte, opts swarm.JoinOptions) Discovery
	OnConnection(fn func(conn io.ReadWriteCloser))
	OnError(fn func(err error))
	Flush(ctx context.Context) error
	Destroy() error
}

// Store holds drive data on disk.
type Store interface {
	Ready(ctx context.Context) error
	FindingPeers() (done func())
	Close() error
}

// Log is the drive's replicated record log.
type Log interface {
	Length() uint64
	Peers() int
	Update(ctx context.Context, wait bool) (bool, error)
	OnPeerRemove(fn func(remaining int)) (cancel func())
}

type Drive interface {
	Ready(ctx context.Context) error
	Key() types.JoinKey
	DiscoveryKey() []byte
	Core() Log

	Entry(ctx context.Context, path string) (*types.DriveEntry, error)
	OpenEntry(ctx context.Context, entry *types.DriveEntry) (io.ReadCloser, error)
	CreateReadStream(ctx context.Context, path string) (io.ReadCloser, error)
	Readdir(ctx context.Context, dir string) ([]types.DirEntry, error)

	Files(ctx context.Context) (map[string]string, error)
	Put(ctx context.Context, path string, data []byte) error
	Del(ctx context.Context, path string) error

	Replicate(conn io.ReadWriteCloser)
	Download(ctx context.Context) error
	Close() error
}

// Backend opens the collaborators a node runs on.
type Backend interface {
	OpenDHT(cfg config.NetworkConfig) (DHT, error)
	OpenSwarm(dht DHT, opts swarm.Options) (Swarm, error)
	OpenStore(dir string) (Store, error)
	// OpenDrive opens the writable drive owned by store when key is nil,
	// otherwise the remote drive identified by key.
	OpenDrive(ctx context.Context, store Store, key *types.JoinKey) (Drive, error)
	// Watch calls onChange for changes under dir until ctx is done.
	Watch(ctx context.Context, dir string, onChange func(), ignore func(rel string) bool) error
	// Mount exposes the drive read-only at dir.
	Mount(dir string, d Drive) (unmount func() error, err error)
}

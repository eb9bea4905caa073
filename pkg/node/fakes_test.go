package node

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"driveshare/pkg/config"
	"driveshare/pkg/drive"
	"driveshare/pkg/swarm"
	"driveshare/pkg/types"
)

type fakeBackend struct {
	mu       sync.Mutex
	calls    []string
	joins    []swarm.JoinOptions
	onChange func()

	dhtReadyErr error
	putErr      error
	// httpAddr, when set, is dialled as the swarm is destroyed to record
	// whether the HTTP listener was already closed.
	httpAddr string
	log         *fakeLog
	discovery   *fakeDiscovery
	drive       *fakeDrive
	store       *fakeStore
	swarm       *fakeSwarm
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		log:       &fakeLog{},
		discovery: &fakeDiscovery{},
	}
}

func (b *fakeBackend) record(call string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
}

func (b *fakeBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBackend) changeFn() func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.onChange
}

func (b *fakeBackend) OpenDHT(cfg config.NetworkConfig) (DHT, error) {
	b.record("dht.open")
	return &fakeDHT{backend: b}, nil
}

func (b *fakeBackend) OpenSwarm(d DHT, opts swarm.Options) (Swarm, error) {
	b.record("swarm.open")
	b.swarm = &fakeSwarm{backend: b}
	return b.swarm, nil
}

func (b *fakeBackend) OpenStore(dir string) (Store, error) {
	b.record("store.open")
	b.store = &fakeStore{backend: b}
	return b.store, nil
}

func (b *fakeBackend) OpenDrive(ctx context.Context, store Store, key *types.JoinKey) (Drive, error) {
	b.record("drive.open")
	d := &fakeDrive{
		backend:  b,
		files:    map[string]fakeFile{},
		blobs:    map[string][]byte{},
		log:      b.log,
		writable: key == nil,
		putErr:   b.putErr,
	}
	if key != nil {
		d.key = *key
	} else {
		d.key[0] = 0xab
	}
	b.drive = d
	return d, nil
}

func (b *fakeBackend) Watch(ctx context.Context, dir string, onChange func(), ignore func(rel string) bool) error {
	b.record("watch")
	b.mu.Lock()
	b.onChange = onChange
	b.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (b *fakeBackend) Mount(dir string, d Drive) (func() error, error) {
	b.record("mount")
	return nil, errors.New("fuse unavailable")
}

type fakeDHT struct {
	backend *fakeBackend
}

func (d *fakeDHT) Ready(ctx context.Context) error {
	d.backend.record("dht.ready")
	return d.backend.dhtReadyErr
}

func (d *fakeDHT) Destroy() error {
	d.backend.record("dht.destroy")
	return nil
}

type fakeSwarm struct {
	backend *fakeBackend
}

func (s *fakeSwarm) Join(topic []byte, opts swarm.JoinOptions) Discovery {
	s.backend.record("swarm.join")
	s.backend.mu.Lock()
	s.backend.joins = append(s.backend.joins, opts)
	s.backend.mu.Unlock()
	return s.backend.discovery
}

func (s *fakeSwarm) OnConnection(fn func(conn io.ReadWriteCloser)) {}

func (s *fakeSwarm) OnError(fn func(err error)) {}

func (s *fakeSwarm) Flush(ctx context.Context) error {
	s.backend.record("swarm.flush")
	return nil
}

func (s *fakeSwarm) Destroy() error {
	s.backend.mu.Lock()
	addr := s.backend.httpAddr
	s.backend.mu.Unlock()
	if addr != "" {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			s.backend.record("http.closed")
		} else {
			conn.Close()
		}
	}
	s.backend.record("swarm.destroy")
	return nil
}

type fakeDiscovery struct {
	refreshes   atomic.Int32
	connections atomic.Int32
	left        atomic.Bool
}

func (d *fakeDiscovery) Flushed(ctx context.Context) error { return nil }

func (d *fakeDiscovery) Refresh(ctx context.Context) error {
	d.refreshes.Add(1)
	return nil
}

func (d *fakeDiscovery) Connections() int { return int(d.connections.Load()) }

func (d *fakeDiscovery) Leave() { d.left.Store(true) }

type fakeStore struct {
	backend *fakeBackend
	finding atomic.Int32
}

func (s *fakeStore) Ready(ctx context.Context) error { return nil }

func (s *fakeStore) FindingPeers() func() {
	s.backend.record("store.finding_peers")
	s.finding.Add(1)
	return func() {
		s.backend.record("store.found_peers")
		s.finding.Add(-1)
	}
}

func (s *fakeStore) Close() error {
	s.backend.record("store.close")
	return nil
}

type fakeLog struct {
	mu       sync.Mutex
	length   uint64
	peers    int
	updates  int
	onRemove func(int)
}

func (l *fakeLog) Length() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.length
}

func (l *fakeLog) Peers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peers
}

func (l *fakeLog) Update(ctx context.Context, wait bool) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates++
	return l.length > 0, nil
}

func (l *fakeLog) OnPeerRemove(fn func(remaining int)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onRemove = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.onRemove = nil
	}
}

func (l *fakeLog) removePeer() {
	l.mu.Lock()
	l.peers--
	remaining, fn := l.peers, l.onRemove
	l.mu.Unlock()
	if fn != nil {
		fn(remaining)
	}
}

type fakeFile struct {
	data []byte
	seq  uint64
}

type fakeDrive struct {
	backend  *fakeBackend
	key      types.JoinKey
	log      *fakeLog
	writable bool

	mu        sync.Mutex
	files     map[string]fakeFile
	blobs     map[string][]byte
	putErr    error
	seq       uint64
	downloads int
}

func (d *fakeDrive) Ready(ctx context.Context) error { return nil }
func (d *fakeDrive) Key() types.JoinKey             { return d.key }
func (d *fakeDrive) DiscoveryKey() []byte           { return []byte("discovery") }
func (d *fakeDrive) Core() Log                      { return d.log }
func (d *fakeDrive) Replicate(conn io.ReadWriteCloser) {}

func (d *fakeDrive) Entry(ctx context.Context, p string) (*types.DriveEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[p]
	if !ok {
		return nil, nil
	}
	return &types.DriveEntry{Seq: f.seq, BlobLength: int64(len(f.data)), BlobID: drive.ContentID(f.data)}, nil
}

func (d *fakeDrive) OpenEntry(ctx context.Context, entry *types.DriveEntry) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.blobs[entry.BlobID]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (d *fakeDrive) CreateReadStream(ctx context.Context, p string) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[p]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(f.data)), nil
}

func (d *fakeDrive) Readdir(ctx context.Context, dir string) ([]types.DirEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []types.DirEntry
	for p, f := range d.files {
		if name := strings.TrimPrefix(p, "/"); !strings.Contains(name, "/") {
			out = append(out, types.DirEntry{Name: name, Size: int64(len(f.data)), Seq: f.seq})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *fakeDrive) Files(ctx context.Context) (map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.files))
	for p, f := range d.files {
		out[p] = drive.ContentID(f.data)
	}
	return out, nil
}

func (d *fakeDrive) Put(ctx context.Context, p string, data []byte) error {
	if !d.writable {
		return drive.ErrReadOnly
	}
	if d.putErr != nil {
		return d.putErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blobs[drive.ContentID(data)] = data
	d.seq++
	d.files[p] = fakeFile{data: data, seq: d.seq}
	return nil
}

func (d *fakeDrive) Del(ctx context.Context, p string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	delete(d.files, p)
	return nil
}

func (d *fakeDrive) has(p string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.files[p]
	return ok
}

func (d *fakeDrive) Download(ctx context.Context) error {
	d.backend.record("drive.download")
	d.mu.Lock()
	defer d.mu.Unlock()
	d.downloads++
	return nil
}

func (d *fakeDrive) Close() error {
	d.backend.record("drive.close")
	return nil
}

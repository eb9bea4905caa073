// Package drive implements a single-writer, content-addressed file tree that
// replicates between peers. The writer signs every change into an append-only
// log; readers verify the log against the drive key and fetch file contents
// lazily from whichever peer has them.
package drive

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"driveshare/pkg/storage"
	"driveshare/pkg/types"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

const discoveryLabel = "driveshare-discovery"

var (
	// ErrNotFound is returned when a path has no current entry. It matches
	// fs.ErrNotExist.
	ErrNotFound = fmt.Errorf("entry not found: %w", fs.ErrNotExist)
	// ErrReadOnly is returned when writing to a drive opened by join key.
	ErrReadOnly = errors.New("drive is read-only")
)

// Store is the persistence a drive needs. *storage.Store implements it.
type Store interface {
	Ready(ctx context.Context) error
	DefaultKeyPair(ctx context.Context) (ed25519.PublicKey, ed25519.PrivateKey, error)
	PutBlock(ctx context.Context, cid string, data []byte) error
	GetBlock(ctx context.Context, cid string) ([]byte, error)
	HasBlock(ctx context.Context, cid string) (bool, error)
	AppendRecord(ctx context.Context, driveKey []byte, rec storage.Record) error
	Length(ctx context.Context, driveKey []byte) (uint64, error)
	GetRecord(ctx context.Context, driveKey []byte, seq uint64) (*storage.Record, error)
	LatestByPath(ctx context.Context, driveKey []byte, path string) (*storage.Record, error)
	ListCurrent(ctx context.Context, driveKey []byte) ([]storage.Record, error)
	WaitPeerSearch(ctx context.Context) error
}

type Drive struct {
	store        Store
	key          types.JoinKey
	priv         ed25519.PrivateKey
	discoveryKey []byte
	log          *Log
	logger       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open opens the drive identified by key. A nil key opens the store's own
// writable drive, creating its key pair on first use.
func Open(ctx context.Context, store Store, key *types.JoinKey, logger *zap.Logger) (*Drive, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Drive{store: store, logger: logger}

	if key == nil {
		pub, priv, err := store.DefaultKeyPair(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load drive key: %w", err)
		}
		copy(d.key[:], pub)
		d.priv = priv
	} else {
		d.key = *key
	}

	d.discoveryKey = DiscoveryKey(d.key)

	length, err := store.Length(ctx, d.key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to read drive length: %w", err)
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.log = newLog(d.ctx, store, ed25519.PublicKey(d.key.Bytes()), length, logger)

	logger.Debug("Drive opened",
		zap.String("key", d.key.String()),
		zap.Bool("writable", d.Writable()),
		zap.Uint64("length", length))

	return d, nil
}

// DiscoveryKey derives the rendezvous identifier of a drive. It does not
// reveal the drive key itself.
func DiscoveryKey(key types.JoinKey) []byte {
	h, err := blake2b.New256(key[:])
	if err != nil {
		panic(err)
	}
	h.Write([]byte(discoveryLabel))
	return h.Sum(nil)
}

// ContentID returns the CIDv1 (raw, sha2-256) naming data.
func ContentID(data []byte) string {
	hash, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		panic(err)
	}
	return cid.NewCidV1(cid.Raw, hash).String()
}

func (d *Drive) Ready(ctx context.Context) error {
	return d.store.Ready(ctx)
}

func (d *Drive) Key() types.JoinKey {
	return d.key
}

func (d *Drive) DiscoveryKey() []byte {
	return d.discoveryKey
}

// Writable reports whether this node holds the drive's signing key.
func (d *Drive) Writable() bool {
	return d.priv != nil
}

// Core returns the drive's log.
func (d *Drive) Core() *Log {
	return d.log
}

func normalize(p string) string {
	return path.Clean("/" + p)
}

// Entry returns the current entry at p, or nil when p is missing or deleted.
func (d *Drive) Entry(ctx context.Context, p string) (*types.DriveEntry, error) {
	rec, err := d.store.LatestByPath(ctx, d.key[:], normalize(p))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", p, err)
	}
	if rec.Deleted {
		return nil, nil
	}
	return &types.DriveEntry{Seq: rec.Seq, BlobLength: rec.Length, BlobID: rec.BlobCID}, nil
}

// BlobID returns the content id currently stored at p.
func (d *Drive) BlobID(ctx context.Context, p string) (string, error) {
	rec, err := d.store.LatestByPath(ctx, d.key[:], normalize(p))
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up %s: %w", p, err)
	}
	if rec.Deleted {
		return "", ErrNotFound
	}
	return rec.BlobCID, nil
}

// CreateReadStream opens the contents at p. Blobs missing locally are
// fetched from connected peers and kept.
func (d *Drive) CreateReadStream(ctx context.Context, p string) (io.ReadCloser, error) {
	id, err := d.BlobID(ctx, p)
	if err != nil {
		return nil, err
	}

	data, err := d.blob(ctx, id)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// OpenEntry opens the exact blob entry was looked up with, even if the path
// has been rewritten since.
func (d *Drive) OpenEntry(ctx context.Context, entry *types.DriveEntry) (io.ReadCloser, error) {
	data, err := d.blob(ctx, entry.BlobID)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (d *Drive) blob(ctx context.Context, id string) ([]byte, error) {
	data, err := d.store.GetBlock(ctx, id)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	data, err = d.log.fetchBlock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch blob %s: %w", id, err)
	}
	return data, nil
}

// Files returns the content id of every current file keyed by path.
func (d *Drive) Files(ctx context.Context) (map[string]string, error) {
	records, err := d.store.ListCurrent(ctx, d.key[:])
	if err != nil {
		return nil, err
	}
	files := make(map[string]string, len(records))
	for _, rec := range records {
		files[rec.Path] = rec.BlobCID
	}
	return files, nil
}

// Readdir lists the direct children of dir.
func (d *Drive) Readdir(ctx context.Context, dir string) ([]types.DirEntry, error) {
	records, err := d.store.ListCurrent(ctx, d.key[:])
	if err != nil {
		return nil, err
	}

	prefix := normalize(dir)
	if prefix != "/" {
		prefix += "/"
	}

	seen := make(map[string]int)
	var entries []types.DirEntry
	for _, rec := range records {
		if !strings.HasPrefix(rec.Path, prefix) {
			continue
		}
		rest := strings.TrimPrefix(rec.Path, prefix)
		name, _, nested := strings.Cut(rest, "/")
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = len(entries)
		if nested {
			entries = append(entries, types.DirEntry{Name: name, IsDir: true})
		} else {
			entries = append(entries, types.DirEntry{Name: name, Size: rec.Length, Seq: rec.Seq})
		}
	}

	if len(entries) == 0 && prefix != "/" {
		return nil, ErrNotFound
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Put stores data at p and appends a signed record.
func (d *Drive) Put(ctx context.Context, p string, data []byte) error {
	id := ContentID(data)
	if err := d.store.PutBlock(ctx, id, data); err != nil {
		return err
	}
	return d.write(ctx, storage.Record{Path: normalize(p), BlobCID: id, Length: int64(len(data))})
}

// Del marks p deleted.
func (d *Drive) Del(ctx context.Context, p string) error {
	return d.write(ctx, storage.Record{Path: normalize(p), Deleted: true})
}

func (d *Drive) write(ctx context.Context, rec storage.Record) error {
	if !d.Writable() {
		return ErrReadOnly
	}

	d.log.appendMu.Lock()
	defer d.log.appendMu.Unlock()

	rec.Seq = d.log.Length()
	rec.Signature = ed25519.Sign(d.priv, marshalRecord(rec, false))

	if err := d.log.appendLocked(ctx, rec); err != nil {
		return fmt.Errorf("failed to write %s: %w", rec.Path, err)
	}
	return nil
}

// Replicate runs the replication protocol over conn until either side
// closes it.
func (d *Drive) Replicate(conn io.ReadWriteCloser) {
	s := d.log.addSession(conn)

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		s.writeLoop()
	}()
	go func() {
		defer d.wg.Done()
		s.run()
	}()
}

// Download fetches every current blob that is not stored locally.
func (d *Drive) Download(ctx context.Context) error {
	records, err := d.store.ListCurrent(ctx, d.key[:])
	if err != nil {
		return err
	}

	for _, rec := range records {
		has, err := d.store.HasBlock(ctx, rec.BlobCID)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := d.log.fetchBlock(ctx, rec.BlobCID); err != nil {
			return fmt.Errorf("failed to download %s: %w", rec.Path, err)
		}
	}

	d.logger.Info("Drive downloaded", zap.Int("files", len(records)))
	return nil
}

// Close ends every replication session. The store stays open.
func (d *Drive) Close() error {
	d.cancel()
	d.log.closeAll()
	d.wg.Wait()
	return nil
}

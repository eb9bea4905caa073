// Package storage persists drive state in a local SQLite database: content
// blocks, the signing key pair and the append-only record log of each drive.
package storage

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const dbFile = "store.db"

// ErrNotFound is returned when a block or record is not stored locally.
var ErrNotFound = errors.New("not found")

// Record is one signed entry of a drive log.
type Record struct {
	Seq       uint64
	Path      string
	BlobCID   string
	Length    int64
	Deleted   bool
	Signature []byte
}

type Store struct {
	db     *sql.DB
	dir    string
	logger *zap.Logger

	mu         sync.Mutex
	searching  int
	searchDone chan struct{}
}

// Open opens (or creates) the store rooted at dir.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	path := filepath.Join(dir, dbFile)
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}
	db.SetMaxOpenConns(1)

	done := make(chan struct{})
	close(done)

	s := &Store{
		db:         db,
		dir:        dir,
		logger:     logger,
		searchDone: done,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}

	logger.Debug("Store opened", zap.String("path", path))
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS blocks (
    cid TEXT PRIMARY KEY,
    data BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS keypairs (
    name TEXT PRIMARY KEY,
    public_key BLOB NOT NULL,
    private_key BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS records (
    drive_key BLOB NOT NULL,
    seq INTEGER NOT NULL,
    path TEXT NOT NULL,
    blob_cid TEXT NOT NULL,
    length INTEGER NOT NULL,
    deleted INTEGER NOT NULL DEFAULT 0,
    signature BLOB NOT NULL,
    PRIMARY KEY (drive_key, seq)
);

CREATE INDEX IF NOT EXISTS idx_records_path ON records(drive_key, path, seq);
`
	_, err := s.db.Exec(schema)
	return err
}

// Dir returns the directory the store lives in.
func (s *Store) Dir() string {
	return s.dir
}

// Ready verifies the database is reachable.
func (s *Store) Ready(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to reach store database: %w", err)
	}
	return nil
}

// DefaultKeyPair returns the store's signing key pair, generating and
// persisting it on first use.
func (s *Store) DefaultKeyPair(ctx context.Context) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	var pub, priv []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT public_key, private_key FROM keypairs WHERE name = 'default'`).Scan(&pub, &priv)
	if err == nil {
		return ed25519.PublicKey(pub), ed25519.PrivateKey(priv), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("failed to load key pair: %w", err)
	}

	newPub, newPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO keypairs (name, public_key, private_key) VALUES ('default', ?, ?)`,
		[]byte(newPub), []byte(newPriv)); err != nil {
		return nil, nil, fmt.Errorf("failed to save key pair: %w", err)
	}

	s.logger.Info("Generated drive key pair")
	return newPub, newPriv, nil
}

// PutBlock stores data under its content id. Existing blocks are kept.
func (s *Store) PutBlock(ctx context.Context, cid string, data []byte) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO blocks (cid, data) VALUES (?, ?)`, cid, data); err != nil {
		return fmt.Errorf("failed to store block: %w", err)
	}
	return nil
}

// GetBlock returns the block stored under cid or ErrNotFound.
func (s *Store) GetBlock(ctx context.Context, cid string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blocks WHERE cid = ?`, cid).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read block: %w", err)
	}
	return data, nil
}

// HasBlock reports whether cid is stored locally.
func (s *Store) HasBlock(ctx context.Context, cid string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blocks WHERE cid = ?`, cid).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check block: %w", err)
	}
	return n > 0, nil
}

// AppendRecord stores rec in the log of driveKey. Sequence numbers are unique
// per drive.
func (s *Store) AppendRecord(ctx context.Context, driveKey []byte, rec Record) error {
	deleted := 0
	if rec.Deleted {
		deleted = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO records (drive_key, seq, path, blob_cid, length, deleted, signature)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		driveKey, int64(rec.Seq), rec.Path, rec.BlobCID, rec.Length, deleted, rec.Signature)
	if err != nil {
		return fmt.Errorf("failed to append record %d: %w", rec.Seq, err)
	}
	return nil
}

// Length returns the number of records stored for driveKey.
func (s *Store) Length(ctx context.Context, driveKey []byte) (uint64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE drive_key = ?`, driveKey).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return uint64(n), nil
}

// GetRecord returns the record at seq or ErrNotFound.
func (s *Store) GetRecord(ctx context.Context, driveKey []byte, seq uint64) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT seq, path, blob_cid, length, deleted, signature
FROM records WHERE drive_key = ? AND seq = ?`, driveKey, int64(seq))
	return scanRecord(row)
}

// LatestByPath returns the newest record for path, deleted or not, or
// ErrNotFound.
func (s *Store) LatestByPath(ctx context.Context, driveKey []byte, path string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT seq, path, blob_cid, length, deleted, signature
FROM records WHERE drive_key = ? AND path = ?
ORDER BY seq DESC LIMIT 1`, driveKey, path)
	return scanRecord(row)
}

// ListCurrent returns the newest non-deleted record of every path, ordered
// by path.
func (s *Store) ListCurrent(ctx context.Context, driveKey []byte) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT r.seq, r.path, r.blob_cid, r.length, r.deleted, r.signature
FROM records r
JOIN (
    SELECT path, MAX(seq) AS seq FROM records WHERE drive_key = ? GROUP BY path
) latest ON r.path = latest.path AND r.seq = latest.seq
WHERE r.drive_key = ? AND r.deleted = 0
ORDER BY r.path`, driveKey, driveKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec     Record
		seq     int64
		deleted int
	)
	err := row.Scan(&seq, &rec.Path, &rec.BlobCID, &rec.Length, &deleted, &rec.Signature)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	rec.Seq = uint64(seq)
	rec.Deleted = deleted != 0
	return &rec, nil
}

// FindingPeers marks a peer search in progress. The returned function ends
// it; calling it more than once has no further effect.
func (s *Store) FindingPeers() func() {
	s.mu.Lock()
	if s.searching == 0 {
		s.searchDone = make(chan struct{})
	}
	s.searching++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.searching--
			if s.searching == 0 {
				close(s.searchDone)
			}
		})
	}
}

// WaitPeerSearch blocks until no peer search is in progress.
func (s *Store) WaitPeerSearch(ctx context.Context) error {
	s.mu.Lock()
	done := s.searchDone
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

package drive

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"sync"

	"driveshare/pkg/storage"
	"driveshare/pkg/wire"

	"go.uber.org/zap"
)

// ErrBlockUnavailable is returned when no connected peer holds a blob.
var ErrBlockUnavailable = errors.New("blob not available from any peer")

// Log is the append-only record log of a drive together with the peers it
// replicates with.
type Log struct {
	store  Store
	key    ed25519.PublicKey
	logger *zap.Logger
	ctx    context.Context

	appendMu sync.Mutex

	mu        sync.Mutex
	length    uint64
	sessions  map[*session]struct{}
	buffered  map[uint64]storage.Record
	waiters   map[string]*blockWaiter
	changed   chan struct{}
	observers map[int]func(remaining int)
	nextObs   int
}

type blockWaiter struct {
	done  chan struct{}
	data  []byte
	err   error
	asked map[*session]struct{}
}

func newLog(ctx context.Context, store Store, key ed25519.PublicKey, length uint64, logger *zap.Logger) *Log {
	return &Log{
		store:     store,
		key:       key,
		logger:    logger,
		ctx:       ctx,
		length:    length,
		sessions:  make(map[*session]struct{}),
		buffered:  make(map[uint64]storage.Record),
		waiters:   make(map[string]*blockWaiter),
		changed:   make(chan struct{}),
		observers: make(map[int]func(int)),
	}
}

// Length returns the number of records known locally.
func (l *Log) Length() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.length
}

// Peers returns the number of live replication sessions.
func (l *Log) Peers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// Update reports whether the log grew. With wait it first waits for any peer
// search on the store to end, then until every connected peer has announced
// its length and the local log has caught up with all of them.
func (l *Log) Update(ctx context.Context, wait bool) (bool, error) {
	before := l.Length()

	if wait {
		if err := l.store.WaitPeerSearch(ctx); err != nil {
			return false, fmt.Errorf("failed waiting for peer search: %w", err)
		}
	}

	for {
		l.mu.Lock()
		synced := true
		for s := range l.sessions {
			if !s.haveReceived || s.remoteLength > l.length {
				synced = false
				break
			}
		}
		length := l.length
		changed := l.changed
		l.mu.Unlock()

		if synced || !wait {
			return length > before, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-changed:
		}
	}
}

// OnPeerRemove registers fn to run whenever a replication session ends. It
// receives the number of sessions left. The returned function unregisters it.
func (l *Log) OnPeerRemove(fn func(remaining int)) func() {
	l.mu.Lock()
	id := l.nextObs
	l.nextObs++
	l.observers[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.observers, id)
		l.mu.Unlock()
	}
}

// notifyLocked wakes everyone waiting on a state change. Callers hold l.mu.
func (l *Log) notifyLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

func (l *Log) snapshotSessions() []*session {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*session, 0, len(l.sessions))
	for s := range l.sessions {
		out = append(out, s)
	}
	return out
}

// append stores rec if it is the next record. Records ahead of the log are
// buffered until the gap fills.
func (l *Log) append(ctx context.Context, rec storage.Record) error {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	return l.appendLocked(ctx, rec)
}

// appendLocked is append for callers holding appendMu.
func (l *Log) appendLocked(ctx context.Context, rec storage.Record) error {
	l.mu.Lock()
	length := l.length
	if rec.Seq > length {
		l.buffered[rec.Seq] = rec
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if rec.Seq < length {
		return nil
	}

	for {
		if err := l.store.AppendRecord(ctx, l.key, rec); err != nil {
			return err
		}

		l.mu.Lock()
		l.length = rec.Seq + 1
		next, ok := l.buffered[l.length]
		delete(l.buffered, l.length)
		if !ok {
			l.notifyLocked()
			length = l.length
			l.mu.Unlock()
			break
		}
		l.mu.Unlock()
		rec = next
	}

	for _, s := range l.snapshotSessions() {
		s.send(message{kind: msgHave, length: length})
	}
	return nil
}

// fetchBlock asks every connected peer for cid and waits for the first valid
// answer.
func (l *Log) fetchBlock(ctx context.Context, cid string) ([]byte, error) {
	l.mu.Lock()
	w, ok := l.waiters[cid]
	var ask []*session
	if !ok {
		if len(l.sessions) == 0 {
			l.mu.Unlock()
			return nil, ErrBlockUnavailable
		}
		w = &blockWaiter{done: make(chan struct{}), asked: make(map[*session]struct{})}
		for s := range l.sessions {
			w.asked[s] = struct{}{}
			ask = append(ask, s)
		}
		l.waiters[cid] = w
	}
	l.mu.Unlock()

	for _, s := range ask {
		s.send(message{kind: msgWant, cid: cid})
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.done:
		return w.data, w.err
	}
}

// resolveBlockLocked completes the waiter for cid. Callers hold l.mu.
func (l *Log) resolveBlockLocked(cid string, data []byte, err error) {
	w, ok := l.waiters[cid]
	if !ok {
		return
	}
	delete(l.waiters, cid)
	w.data = data
	w.err = err
	close(w.done)
}

// dropAskedLocked removes s from the waiter for cid and fails the waiter once
// nobody is left to answer. Callers hold l.mu.
func (l *Log) dropAskedLocked(cid string, s *session) {
	w, ok := l.waiters[cid]
	if !ok {
		return
	}
	delete(w.asked, s)
	if len(w.asked) == 0 {
		l.resolveBlockLocked(cid, nil, ErrBlockUnavailable)
	}
}

func (l *Log) closeAll() {
	for _, s := range l.snapshotSessions() {
		s.close()
	}
}

// session is one replication stream with a remote peer.
type session struct {
	log  *Log
	conn io.ReadWriteCloser

	outMu sync.Mutex
	out   [][]byte
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once

	// Guarded by log.mu.
	remoteLength uint64
	haveReceived bool
	requested    uint64
}

func (l *Log) addSession(conn io.ReadWriteCloser) *session {
	s := &session{
		log:  l,
		conn: conn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	l.mu.Lock()
	l.sessions[s] = struct{}{}
	s.requested = l.length
	length := l.length
	l.notifyLocked()
	l.mu.Unlock()

	s.send(message{kind: msgHave, length: length})
	return s
}

// send queues m for the writer goroutine. It never blocks on the network so
// both ends can answer each other from their read loops.
func (s *session) send(m message) {
	frame := m.marshal()

	s.outMu.Lock()
	s.out = append(s.out, frame)
	s.outMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		s.outMu.Lock()
		batch := s.out
		s.out = nil
		s.outMu.Unlock()

		for _, frame := range batch {
			if err := wire.WriteFrame(s.conn, frame); err != nil {
				s.log.logger.Debug("Replication write failed", zap.Error(err))
				s.close()
				return
			}
		}
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()

		l := s.log
		l.mu.Lock()
		delete(l.sessions, s)
		for cid := range l.waiters {
			l.dropAskedLocked(cid, s)
		}
		remaining := len(l.sessions)
		l.notifyLocked()
		observers := make([]func(int), 0, len(l.observers))
		for _, fn := range l.observers {
			observers = append(observers, fn)
		}
		l.mu.Unlock()

		for _, fn := range observers {
			fn(remaining)
		}
	})
}

func (s *session) run() {
	defer s.close()

	r := bufio.NewReader(s.conn)
	for {
		frame, err := wire.ReadFrame(r, 0)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.logger.Debug("Replication stream ended", zap.Error(err))
			}
			return
		}

		m, err := unmarshalMessage(frame)
		if err != nil {
			s.log.logger.Warn("Invalid replication message", zap.Error(err))
			return
		}

		if err := s.handle(m); err != nil {
			s.log.logger.Warn("Replication failed", zap.Error(err))
			return
		}
	}
}

func (s *session) handle(m message) error {
	l := s.log
	ctx := l.ctx

	switch m.kind {
	case msgHave:
		l.mu.Lock()
		if m.length > s.remoteLength {
			s.remoteLength = m.length
		}
		s.haveReceived = true
		start := s.requested
		if start < l.length {
			start = l.length
		}
		var count uint64
		if s.remoteLength > start {
			count = s.remoteLength - start
			s.requested = s.remoteLength
		}
		l.notifyLocked()
		l.mu.Unlock()

		if count > 0 {
			s.send(message{kind: msgRequest, seq: start, length: count})
		}

	case msgRequest:
		for seq := m.seq; seq < m.seq+m.length; seq++ {
			rec, err := l.store.GetRecord(ctx, l.key, seq)
			if errors.Is(err, storage.ErrNotFound) {
				break
			}
			if err != nil {
				return err
			}
			s.send(message{kind: msgRecord, record: rec})
		}

	case msgRecord:
		if m.record == nil {
			return errors.New("record message without record")
		}
		rec := *m.record
		if !ed25519.Verify(l.key, marshalRecord(rec, false), rec.Signature) {
			return fmt.Errorf("record %d has an invalid signature", rec.Seq)
		}
		if err := l.append(ctx, rec); err != nil {
			return err
		}

	case msgWant:
		data, err := l.store.GetBlock(ctx, m.cid)
		if errors.Is(err, storage.ErrNotFound) {
			s.send(message{kind: msgNoBlock, cid: m.cid})
			return nil
		}
		if err != nil {
			return err
		}
		s.send(message{kind: msgBlock, cid: m.cid, data: data})

	case msgBlock:
		if got := ContentID(m.data); got != m.cid {
			return fmt.Errorf("block %s does not match its content id", m.cid)
		}
		if err := l.store.PutBlock(ctx, m.cid, m.data); err != nil {
			return err
		}
		l.mu.Lock()
		l.resolveBlockLocked(m.cid, m.data, nil)
		l.mu.Unlock()

	case msgNoBlock:
		l.mu.Lock()
		l.dropAskedLocked(m.cid, s)
		l.mu.Unlock()
	}

	return nil
}

package swarm

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"driveshare/pkg/wire"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	discoveryrouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"go.uber.org/zap"
)

// ProtocolID is the stream protocol spoken between drive peers.
const ProtocolID = protocol.ID("/driveshare/replicate/1.0.0")

const (
	mdnsServiceName  = "driveshare"
	handshakeTimeout = 10 * time.Second
	dialTimeout      = 15 * time.Second
	lookupTimeout    = 30 * time.Second
	retryAdvertise   = time.Minute
	maxTopicFrame    = 256
)

var handshakeAck = []byte("ok")

type Options struct {
	MDNS bool
}

type JoinOptions struct {
	Client bool
	Server bool
}

type connKey struct {
	peer  peer.ID
	topic string
}

// Swarm tracks topic memberships and the replication streams opened for them.
type Swarm struct {
	dht     *DHT
	host    host.Host
	routing *discoveryrouting.RoutingDiscovery
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	topics    map[string]*Discovery
	conns     map[connKey]*Conn
	onConn    []func(*Conn)
	onErr     []func(error)
	pending   int
	idle      chan struct{}
	mdns      mdns.Service
	destroyed bool
}

// New starts accepting replication streams on the DHT's host.
func New(d *DHT, opts Options, logger *zap.Logger) (*Swarm, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	idle := make(chan struct{})
	close(idle)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Swarm{
		dht:     d,
		host:    d.host,
		routing: discoveryrouting.NewRoutingDiscovery(d.kdht),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		topics:  make(map[string]*Discovery),
		conns:   make(map[connKey]*Conn),
		idle:    idle,
	}

	s.host.SetStreamHandler(ProtocolID, s.handleStream)

	if opts.MDNS {
		svc := mdns.NewMdnsService(s.host, mdnsServiceName, &mdnsNotifee{swarm: s})
		if err := svc.Start(); err != nil {
			logger.Warn("Failed to start mDNS discovery", zap.Error(err))
		} else {
			s.mdns = svc
		}
	}

	return s, nil
}

// OnConnection registers fn for every new replication stream.
func (s *Swarm) OnConnection(fn func(*Conn)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConn = append(s.onConn, fn)
}

// OnError registers fn for discovery failures.
func (s *Swarm) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onErr = append(s.onErr, fn)
}

func (s *Swarm) emitError(err error) {
	s.mu.Lock()
	handlers := append([]func(error){}, s.onErr...)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(err)
	}
}

// Join starts announcing (server) and/or looking up (client) topic.
func (s *Swarm) Join(topic []byte, opts JoinOptions) *Discovery {
	ns := hex.EncodeToString(topic)

	ctx, cancel := context.WithCancel(s.ctx)
	d := &Discovery{
		swarm:   s,
		ns:      ns,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		flushed: make(chan struct{}),
	}

	s.mu.Lock()
	s.topics[ns] = d
	s.mu.Unlock()

	s.begin()
	if !s.spawn(d.run) {
		close(d.flushed)
		s.end()
	}

	s.logger.Debug("Joined topic",
		zap.String("topic", ns),
		zap.Bool("client", opts.Client),
		zap.Bool("server", opts.Server))

	return d
}

// Flush waits until every pending lookup and dial has finished.
func (s *Swarm) Flush(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connections returns the number of live replication streams.
func (s *Swarm) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Swarm) topicConnections(ns string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.conns {
		if key.topic == ns {
			n++
		}
	}
	return n
}

func (s *Swarm) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == 0 {
		s.idle = make(chan struct{})
	}
	s.pending++
}

func (s *Swarm) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending--
	if s.pending == 0 {
		close(s.idle)
	}
}

// spawn runs fn on a tracked goroutine unless the swarm is destroyed.
func (s *Swarm) spawn(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

func (s *Swarm) clientTopics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for ns, d := range s.topics {
		if d.opts.Client && d.ctx.Err() == nil {
			out = append(out, ns)
		}
	}
	return out
}

func (s *Swarm) serving(ns string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.topics[ns]
	return ok && d.opts.Server && d.ctx.Err() == nil
}

func (s *Swarm) hasConn(key connKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[key]
	return ok
}

// dialAll opens a stream for ns to every peer in infos and waits for the
// attempts to finish.
func (s *Swarm) dialAll(ctx context.Context, infos []peer.AddrInfo, ns string) {
	var wg sync.WaitGroup
	for _, info := range infos {
		info := info
		wg.Add(1)
		s.begin()
		ok := s.spawn(func() {
			defer wg.Done()
			defer s.end()
			if err := s.dial(ctx, info, ns); err != nil {
				s.logger.Debug("Dial failed",
					zap.String("peer_id", info.ID.String()),
					zap.String("topic", ns),
					zap.Error(err))
			}
		})
		if !ok {
			wg.Done()
			s.end()
		}
	}
	wg.Wait()
}

func (s *Swarm) dial(ctx context.Context, info peer.AddrInfo, ns string) error {
	if info.ID == s.host.ID() || s.hasConn(connKey{peer: info.ID, topic: ns}) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	if len(info.Addrs) > 0 {
		if err := s.host.Connect(ctx, info); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
	}

	stream, err := s.host.NewStream(ctx, info.ID, ProtocolID)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}

	_ = stream.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := wire.WriteFrame(stream, []byte(ns)); err != nil {
		stream.Reset()
		return err
	}
	r := bufio.NewReader(stream)
	ack, err := wire.ReadFrame(r, maxTopicFrame)
	if err != nil {
		stream.Reset()
		return fmt.Errorf("handshake rejected: %w", err)
	}
	if string(ack) != string(handshakeAck) {
		stream.Reset()
		return fmt.Errorf("unexpected handshake reply %q", ack)
	}
	_ = stream.SetDeadline(time.Time{})

	s.register(newConn(s, stream, r, ns, s.host.ID()))
	return nil
}

func (s *Swarm) handleStream(stream network.Stream) {
	remote := stream.Conn().RemotePeer()

	_ = stream.SetDeadline(time.Now().Add(handshakeTimeout))
	r := bufio.NewReader(stream)
	topic, err := wire.ReadFrame(r, maxTopicFrame)
	if err != nil {
		s.logger.Debug("Handshake failed", zap.String("peer_id", remote.String()), zap.Error(err))
		stream.Reset()
		return
	}

	ns := string(topic)
	if !s.serving(ns) {
		stream.Reset()
		return
	}

	if err := wire.WriteFrame(stream, handshakeAck); err != nil {
		stream.Reset()
		return
	}
	_ = stream.SetDeadline(time.Time{})

	s.register(newConn(s, stream, r, ns, remote))
}

// register records c and announces it. A stream from the same initiator
// replaces the old one. When both sides dialled each other for the same
// topic the stream opened by the lower peer id wins on both ends.
func (s *Swarm) register(c *Conn) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		c.stream.Reset()
		return
	}

	var replaced *Conn
	if existing, ok := s.conns[c.key]; ok {
		preferred := s.host.ID()
		if c.key.peer < preferred {
			preferred = c.key.peer
		}
		if existing.initiator != c.initiator && existing.initiator == preferred {
			s.mu.Unlock()
			c.stream.Reset()
			return
		}
		replaced = existing
	}
	s.conns[c.key] = c
	handlers := append([]func(*Conn){}, s.onConn...)
	s.mu.Unlock()

	if replaced != nil {
		replaced.Close()
	}

	s.logger.Info("Peer connected",
		zap.String("peer_id", c.key.peer.String()),
		zap.String("topic", c.key.topic))

	for _, fn := range handlers {
		fn(c)
	}
}

func (s *Swarm) remove(c *Conn) {
	s.mu.Lock()
	if s.conns[c.key] == c {
		delete(s.conns, c.key)
	}
	s.mu.Unlock()

	s.logger.Debug("Peer stream closed", zap.String("peer_id", c.key.peer.String()))
}

// Destroy leaves every topic, closes all streams and stops mDNS. The DHT is
// left running.
func (s *Swarm) Destroy() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	svc := s.mdns
	s.mu.Unlock()

	s.cancel()
	s.host.RemoveStreamHandler(ProtocolID)

	var err error
	if svc != nil {
		if cerr := svc.Close(); cerr != nil {
			err = fmt.Errorf("failed to stop mDNS: %w", cerr)
		}
	}
	for _, c := range conns {
		c.Close()
	}

	s.wg.Wait()
	return err
}

type mdnsNotifee struct {
	swarm *Swarm
}

// HandlePeerFound dials a LAN peer for every topic we look up.
func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	s := n.swarm
	if info.ID == s.host.ID() {
		return
	}

	s.logger.Debug("mDNS discovered peer", zap.String("peer_id", info.ID.String()))

	for _, ns := range s.clientTopics() {
		ns := ns
		s.begin()
		if !s.spawn(func() {
			defer s.end()
			if err := s.dial(s.ctx, info, ns); err != nil {
				s.logger.Debug("Failed to dial mDNS peer", zap.String("peer_id", info.ID.String()), zap.Error(err))
			}
		}) {
			s.end()
		}
	}
}

// Package swarm connects peers that share a drive. A DHT node provides the
// rendezvous; the swarm opens one replication stream per peer and topic.
package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"driveshare/pkg/config"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/libp2p/go-libp2p/p2p/transport/websocket"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

const bootstrapTimeout = 15 * time.Second

// DHT is a libp2p host with a Kademlia routing table.
type DHT struct {
	host   host.Host
	kdht   *dht.IpfsDHT
	cfg    config.NetworkConfig
	logger *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewDHT creates the host and its DHT. Nothing is dialled until Ready.
func NewDHT(cfg config.NetworkConfig, logger *zap.Logger) (*DHT, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.ListenAddrs))
	for _, addr := range cfg.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	connMgr, err := connmgr.NewConnManager(32, 256)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	var kdht *dht.IpfsDHT
	h, err := libp2p.New(
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(websocket.New),
		libp2p.Security(noise.ID, noise.New),
		libp2p.ConnectionManager(connMgr),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			kdht, err = dht.New(ctx, h, dht.Mode(dht.ModeAutoServer))
			return kdht, err
		}),
		libp2p.NATPortMap(),
		libp2p.EnableHolePunching(),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	d := &DHT{
		host:   h,
		kdht:   kdht,
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	logger.Info("Swarm host created",
		zap.String("peer_id", h.ID().String()),
		zap.Strings("addrs", d.Addrs()))

	return d, nil
}

// Host returns the underlying libp2p host.
func (d *DHT) Host() host.Host {
	return d.host
}

// Addrs returns the full dialable multiaddrs of this node, /p2p/ suffix
// included.
func (d *DHT) Addrs() []string {
	info := peer.AddrInfo{ID: d.host.ID(), Addrs: d.host.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

func (d *DHT) bootstrapPeers() []peer.AddrInfo {
	var peers []peer.AddrInfo
	for _, s := range d.cfg.Bootstrap {
		info, err := peer.AddrInfoFromString(s)
		if err != nil {
			d.logger.Warn("Ignoring invalid bootstrap address", zap.String("addr", s), zap.Error(err))
			continue
		}
		peers = append(peers, *info)
	}
	if d.cfg.PublicBootstrap {
		peers = append(peers, dht.GetDefaultBootstrapPeerAddrInfos()...)
	}
	return peers
}

// Ready connects to the bootstrap peers and starts the routing table
// refresh. Unreachable bootstrap peers are logged, not fatal.
func (d *DHT) Ready(ctx context.Context) error {
	peers := d.bootstrapPeers()

	ctx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	defer cancel()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		connected int
	)
	for _, p := range peers {
		wg.Add(1)
		go func(info peer.AddrInfo) {
			defer wg.Done()
			if err := d.host.Connect(ctx, info); err != nil {
				d.logger.Debug("Failed to connect to bootstrap peer",
					zap.String("peer_id", info.ID.String()), zap.Error(err))
				return
			}
			mu.Lock()
			connected++
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	if len(peers) > 0 && connected == 0 {
		d.logger.Warn("No bootstrap peer reachable", zap.Int("tried", len(peers)))
	} else {
		d.logger.Info("DHT bootstrapped", zap.Int("connected", connected), zap.Int("tried", len(peers)))
	}

	if err := d.kdht.Bootstrap(d.ctx); err != nil {
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}
	return nil
}

// Destroy closes the DHT and then the host. It is safe to call twice.
func (d *DHT) Destroy() error {
	var err error
	d.closeOnce.Do(func() {
		d.cancel()
		if cerr := d.kdht.Close(); cerr != nil {
			err = fmt.Errorf("failed to close DHT: %w", cerr)
		}
		if cerr := d.host.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close host: %w", cerr)
		}
	})
	return err
}

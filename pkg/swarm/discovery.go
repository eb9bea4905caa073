package swarm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
)

// Discovery is the membership of one topic.
type Discovery struct {
	swarm *Swarm
	ns    string
	opts  JoinOptions

	ctx     context.Context
	cancel  context.CancelFunc
	flushed chan struct{}
}

// Topic returns the hex namespace announced on the DHT.
func (d *Discovery) Topic() string {
	return d.ns
}

// Flushed waits for the first announce and lookup round to complete.
func (d *Discovery) Flushed(ctx context.Context) error {
	select {
	case <-d.flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Refresh runs another announce and lookup round and waits for the dials it
// starts.
func (d *Discovery) Refresh(ctx context.Context) error {
	if d.ctx.Err() != nil {
		return errors.New("discovery has been left")
	}
	_, err := d.round(ctx)
	return err
}

// Connections returns the number of live streams for this topic.
func (d *Discovery) Connections() int {
	return d.swarm.topicConnections(d.ns)
}

// Leave stops announcing and looking up the topic. Open streams stay up.
func (d *Discovery) Leave() {
	d.cancel()

	s := d.swarm
	s.mu.Lock()
	if s.topics[d.ns] == d {
		delete(s.topics, d.ns)
	}
	s.mu.Unlock()
}

func (d *Discovery) run() {
	ttl, _ := d.round(d.ctx)
	close(d.flushed)
	d.swarm.end()

	if !d.opts.Server {
		return
	}

	for {
		timer := time.NewTimer(ttl)
		select {
		case <-d.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		ttl, _ = d.announce(d.ctx)
	}
}

// round announces for servers and looks up for clients. It returns the
// interval after which the announcement should be renewed.
func (d *Discovery) round(ctx context.Context) (time.Duration, error) {
	ttl := retryAdvertise
	var errs []error

	if d.opts.Server {
		t, err := d.announce(ctx)
		ttl = t
		if err != nil {
			errs = append(errs, err)
		}
	}
	if d.opts.Client {
		if err := d.lookup(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return ttl, errors.Join(errs...)
}

func (d *Discovery) announce(ctx context.Context) (time.Duration, error) {
	s := d.swarm

	ttl, err := s.routing.Advertise(ctx, d.ns)
	if err != nil {
		err = fmt.Errorf("failed to announce topic: %w", err)
		d.report(err)
		return retryAdvertise, err
	}
	if ttl <= 0 {
		ttl = retryAdvertise
	}

	s.logger.Debug("Topic announced", zap.String("topic", d.ns), zap.Duration("ttl", ttl))
	return ttl, nil
}

// lookup dials every already connected peer and every provider the DHT
// knows for the topic.
func (d *Discovery) lookup(ctx context.Context) error {
	s := d.swarm

	var candidates []peer.AddrInfo
	for _, id := range s.host.Network().Peers() {
		candidates = append(candidates, peer.AddrInfo{ID: id})
	}
	s.dialAll(ctx, candidates, d.ns)

	lctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	found, err := s.routing.FindPeers(lctx, d.ns)
	if err != nil {
		err = fmt.Errorf("failed to look up topic: %w", err)
		d.report(err)
		return err
	}

	var providers []peer.AddrInfo
	for info := range found {
		if info.ID == s.host.ID() || len(info.Addrs) == 0 {
			continue
		}
		providers = append(providers, info)
	}
	s.dialAll(ctx, providers, d.ns)

	s.logger.Debug("Topic lookup finished",
		zap.String("topic", d.ns),
		zap.Int("providers", len(providers)),
		zap.Int("connections", d.Connections()))
	return nil
}

// report forwards err to the error handlers unless this node simply has no
// DHT peers yet, which is expected for isolated nodes.
func (d *Discovery) report(err error) {
	s := d.swarm
	if s.dht.kdht.RoutingTable().Size() == 0 {
		s.logger.Debug("Discovery without DHT peers", zap.String("topic", d.ns), zap.Error(err))
		return
	}
	s.emitError(err)
}

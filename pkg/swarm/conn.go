package swarm

import (
	"bufio"
	"sync"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Conn is one replication stream with a remote peer for a single topic.
type Conn struct {
	swarm     *Swarm
	stream    network.Stream
	r         *bufio.Reader
	key       connKey
	initiator peer.ID
	closeOnce sync.Once
}

func newConn(s *Swarm, stream network.Stream, r *bufio.Reader, ns string, initiator peer.ID) *Conn {
	return &Conn{
		swarm:     s,
		stream:    stream,
		r:         r,
		key:       connKey{peer: stream.Conn().RemotePeer(), topic: ns},
		initiator: initiator,
	}
}

// Read reads through the handshake buffer so no bytes are lost.
func (c *Conn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *Conn) Write(p []byte) (int, error) {
	return c.stream.Write(p)
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.stream.Close()
		c.swarm.remove(c)
	})
	return err
}

func (c *Conn) RemotePeer() peer.ID {
	return c.key.peer
}

// Topic returns the hex namespace the stream was opened for.
func (c *Conn) Topic() string {
	return c.key.topic
}

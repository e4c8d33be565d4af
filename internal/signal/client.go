package signal

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"fledger/pkg/errs"
)

// Client is the node-side half of the signalling protocol: it dials the
// rendezvous server, answers its Challenge automatically, and exposes
// every other inbound Frame on Inbound for the owning node to dispatch
// (system config, peer directory replies, and relayed PeerSetup messages
// destined for a webrtcpeer.Connection).
type Client struct {
	conn   *websocket.Conn
	logger *logrus.Logger
	self   NodeInfo
	priv   ed25519.PrivateKey

	Inbound chan Frame

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the signalling server at url and starts the read loop.
func Dial(url string, self NodeInfo, priv ed25519.PrivateKey, logger *logrus.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, errs.Wrap(err, "signal: dial failed")
	}
	c := &Client{
		conn:    conn,
		logger:  logger,
		self:    self,
		priv:    priv,
		Inbound: make(chan Frame, 32),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.Inbound)
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.logger.WithError(err).Debug("signal: read loop exiting")
			return
		}
		if f.Kind == FrameChallenge && f.Challenge != nil {
			if err := c.respondToChallenge(f.Challenge); err != nil {
				c.logger.WithError(err).Error("signal: terminating on challenge error")
				_ = c.Close()
				return
			}
			continue
		}
		select {
		case c.Inbound <- f:
		case <-c.done:
			return
		}
	}
}

func (c *Client) respondToChallenge(ch *Challenge) error {
	if ch.Version != Version {
		return fmt.Errorf("%w: server=%d local=%d", errs.ErrVersionMismatch, ch.Version, Version)
	}
	sig := ed25519.Sign(c.priv, ch.Nonce[:])
	return c.Send(Frame{
		Kind: FrameAnnounce,
		Announce: &Announce{
			Version:   Version,
			Nonce:     ch.Nonce,
			Info:      c.self,
			Signature: sig,
		},
	})
}

// Send writes a frame to the server.
func (c *Client) Send(f Frame) error {
	if err := c.conn.WriteJSON(f); err != nil {
		return errs.Wrap(err, "signal: send failed")
	}
	return nil
}

// RequestListIDs sends the idempotent directory-refresh request.
func (c *Client) RequestListIDs() error {
	return c.Send(Frame{Kind: FrameListIDsRequest})
}

// SendPeerSetup relays a WebRTC signalling payload through the server.
func (c *Client) SendPeerSetup(pi PeerInfo) error {
	return c.Send(Frame{Kind: FramePeerSetup, PeerSetup: &pi})
}

// SendNodeStats pushes observability stats to the server.
func (c *Client) SendNodeStats(stats []NodeStat) error {
	return c.Send(Frame{Kind: FrameNodeStats, NodeStats: stats})
}

// Close terminates the connection; safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

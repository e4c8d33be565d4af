// Package webrtcpeer implements the per-peer WebRTC connection state
// machine: Idle/Setup/HasDataChannel/Closed states, the
// Initializer/Follower signalling sub-protocol, an outbound queue with
// back-pressure, and ICE-transition-driven resets.
//
// The pion/webrtc usage (NewPeerConnection, CreateDataChannel,
// SetRemoteDescription/CreateAnswer/SetLocalDescription) follows the
// thin HTTP-bridge calling convention used elsewhere in this codebase,
// extended here with its own state machine and queueing.
package webrtcpeer

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"fledger/internal/nodeid"
	"fledger/internal/signal"
	"fledger/pkg/errs"
)

// State is one of the four connection states.
type State uint8

const (
	StateIdle State = iota
	StateSetup
	StateHasDataChannel
	StateClosed
)

// Role decides which side initiates the handshake.
type Role uint8

const (
	RoleInitializer Role = iota
	RoleFollower
)

// OutputKind discriminates the observable outputs.
type OutputKind uint8

const (
	OutConnected OutputKind = iota
	OutDisconnected
	OutText
	OutState
	OutSetup
	OutError
)

// Output is one observable event emitted by a Connection.
type Output struct {
	Kind  OutputKind
	Text  []byte
	Stats string
	Setup signal.PeerInfo
	Err   error
}

const defaultQueueCapacity = 256

// Connection is the per-remote-peer WebRTC state machine.
type Connection struct {
	mu sync.Mutex

	logger *logrus.Logger
	emit   func(Output)

	self, remote nodeid.NodeID
	role         Role
	state        State

	config webrtc.Configuration
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel

	outbound [][]byte
	queueCap int
}

// New constructs an idle connection actor for remote, owned by self.
func New(self, remote nodeid.NodeID, role Role, config webrtc.Configuration, logger *logrus.Logger, emit func(Output)) *Connection {
	return &Connection{
		self:     self,
		remote:   remote,
		role:     role,
		state:    StateIdle,
		config:   config,
		logger:   logger,
		emit:     emit,
		queueCap: defaultQueueCapacity,
	}
}

// State returns the connection's current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect begins the handshake from the Initializer side: builds the peer
// connection, opens the application data channel, creates an offer, and
// emits it as a Setup output to be relayed through the signalling
// channel.
func (c *Connection) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role != RoleInitializer {
		return errs.ErrWrongRole
	}
	if err := c.buildPeerConnectionLocked(); err != nil {
		return err
	}
	dc, err := c.pc.CreateDataChannel("fledger", nil)
	if err != nil {
		return errs.Wrap(err, "webrtcpeer: create data channel failed")
	}
	c.wireDataChannelLocked(dc)

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return errs.Wrap(err, "webrtcpeer: create offer failed")
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return errs.Wrap(err, "webrtcpeer: set local description failed")
	}
	c.state = StateSetup
	c.emitLocked(Output{Kind: OutSetup, Setup: signal.PeerInfo{
		IDInit: c.self, IDFollow: c.remote, Kind: signal.MsgOffer, SDP: offer.SDP,
	}})
	return nil
}

// HandleSignal dispatches an inbound WebRTC signalling payload relayed
// through the signalling server.
func (c *Connection) HandleSignal(msg signal.PeerInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Kind {
	case signal.MsgInit:
		return nil // local trigger only; handled by Connect.
	case signal.MsgOffer:
		return c.handleOfferLocked(msg)
	case signal.MsgAnswer:
		return c.handleAnswerLocked(msg)
	case signal.MsgIceCandidate:
		return c.handleIceCandidateLocked(msg)
	default:
		return errs.ErrMalformedMessage
	}
}

func (c *Connection) handleOfferLocked(msg signal.PeerInfo) error {
	// An Offer received in a non-Idle state resets to a fresh Setup.
	if c.state != StateIdle {
		c.resetLocked()
	}
	if err := c.buildPeerConnectionLocked(); err != nil {
		return err
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return errs.Wrap(err, "webrtcpeer: set remote offer failed")
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return errs.Wrap(err, "webrtcpeer: create answer failed")
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return errs.Wrap(err, "webrtcpeer: set local answer failed")
	}
	c.state = StateSetup
	c.emitLocked(Output{Kind: OutSetup, Setup: signal.PeerInfo{
		IDInit: msg.IDInit, IDFollow: msg.IDFollow, Kind: signal.MsgAnswer, SDP: answer.SDP,
	}})
	return nil
}

func (c *Connection) handleAnswerLocked(msg signal.PeerInfo) error {
	if c.role != RoleInitializer || c.state != StateSetup {
		return errs.ErrWrongRole
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		return errs.Wrap(err, "webrtcpeer: set remote answer failed")
	}
	return nil
}

func (c *Connection) handleIceCandidateLocked(msg signal.PeerInfo) error {
	if c.pc == nil || c.state == StateClosed {
		return errs.ErrWrongRole
	}
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: msg.Candidate})
}

// SendText submits an application-level payload. While not
// HasDataChannel, it is queued in order (bounded, oldest-drop) and
// flushed on transition to HasDataChannel.
func (c *Connection) SendText(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateHasDataChannel && c.dc != nil {
		if err := c.dc.Send(payload); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrSendFailed, err)
		}
		return nil
	}
	if c.state == StateClosed {
		return errs.ErrConnectionClosed
	}
	if len(c.outbound) >= c.queueCap {
		c.outbound = c.outbound[1:] // oldest-drop back-pressure
	}
	c.outbound = append(c.outbound, payload)
	return nil
}

// Close tears down the connection permanently.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	c.state = StateClosed
}

func (c *Connection) buildPeerConnectionLocked() error {
	pc, err := webrtc.NewPeerConnection(c.config)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrSetupFailed, err)
	}
	c.pc = pc
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		switch s {
		case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
			c.mu.Lock()
			defer c.mu.Unlock()
			c.resetLocked()
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.wireDataChannelLocked(dc)
	})
	return nil
}

func (c *Connection) wireDataChannelLocked(dc *webrtc.DataChannel) {
	c.dc = dc
	dc.OnOpen(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.state = StateHasDataChannel
		c.flushOutboundLocked()
		c.emitLocked(Output{Kind: OutConnected})
	})
	dc.OnClose(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		wasOutgoing := c.role == RoleInitializer
		c.resetLocked()
		if wasOutgoing {
			c.emitLocked(Output{Kind: OutDisconnected})
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.emitLocked(Output{Kind: OutText, Text: msg.Data})
	})
}

func (c *Connection) flushOutboundLocked() {
	if c.dc == nil {
		return
	}
	for _, payload := range c.outbound {
		if err := c.dc.Send(payload); err != nil {
			c.logger.WithError(err).Warn("webrtcpeer: flush send failed")
		}
	}
	c.outbound = nil
}

// resetLocked implements the reset contract: callbacks are
// replaced with no-op sinks first (to prevent stale deliveries through
// ABA), then the native objects are discarded; fresh ones are built on
// the next Connect/HandleSignal call.
func (c *Connection) resetLocked() {
	if c.dc != nil {
		c.dc.OnOpen(func() {})
		c.dc.OnClose(func() {})
		c.dc.OnMessage(func(webrtc.DataChannelMessage) {})
		_ = c.dc.Close()
		c.dc = nil
	}
	if c.pc != nil {
		c.pc.OnICEConnectionStateChange(func(webrtc.ICEConnectionState) {})
		c.pc.OnDataChannel(func(*webrtc.DataChannel) {})
		_ = c.pc.Close()
		c.pc = nil
	}
	if c.state != StateClosed {
		c.state = StateIdle
	}
}

func (c *Connection) emitLocked(out Output) {
	if c.emit != nil {
		c.emit(out)
	}
}

// Package signal implements the rendezvous protocol: the node-facing half
// of the signalling handshake (challenge/announce, system config, peer
// directory, and WebRTC peer-setup relay messages) plus a node-side
// websocket client. The rendezvous server itself is a stateless external
// peer, not a Fledger-run component, and is out of scope here.
package signal

import "fledger/internal/nodeid"

// Version is this build's SIGNAL_VERSION. A mismatched Challenge is a
// terminal condition for the node.
const Version = 1

// NodeInfo is the directory record a node announces and the server relays
// in ListIDsReply/PeerSetup.
type NodeInfo struct {
	ID        nodeid.NodeID
	PublicKey []byte
	Addr      string
}

// PeerMessageKind discriminates the WebRTC signalling payload carried
// inside a PeerSetup frame.
type PeerMessageKind uint8

const (
	MsgInit PeerMessageKind = iota
	MsgOffer
	MsgAnswer
	MsgIceCandidate
)

// PeerInfo is the WebRTC signalling payload relayed server-side by NodeID
// lookup: `{id_init, id_follow, message}`.
type PeerInfo struct {
	IDInit   nodeid.NodeID
	IDFollow nodeid.NodeID
	Kind     PeerMessageKind
	SDP      string // valid for Offer/Answer
	Candidate string // valid for IceCandidate
}

// FrameKind discriminates the top-level websocket frame.
type FrameKind uint8

const (
	FrameChallenge FrameKind = iota
	FrameAnnounce
	FrameSystemConfig
	FrameListIDsRequest
	FrameListIDsReply
	FramePeerSetup
	FrameNodeStats
)

// Challenge is the server's opening frame: version and a 256-bit nonce.
type Challenge struct {
	Version int
	Nonce   [32]byte
}

// Announce is the node's reply: version, the echoed challenge nonce, its
// node info, and a signature over the nonce from its identity key.
type Announce struct {
	Version   int
	Nonce     [32]byte
	Info      NodeInfo
	Signature []byte
}

// SystemConfig is sent once on successful authentication, before any
// ListIDsReply.
type SystemConfig struct {
	TTLMinutes int
}

// ListIDsReply answers a ListIDsRequest with the current directory.
type ListIDsReply struct {
	Nodes []NodeInfo
}

// NodeStat is one entry of the NodeStats frame nodes push to the server.
type NodeStat struct {
	Key   string
	Value float64
}

// Frame is the tagged union exchanged over the signalling websocket. Only
// the field named by Kind is populated.
type Frame struct {
	Kind FrameKind

	Challenge    *Challenge
	Announce     *Announce
	SystemConfig *SystemConfig
	ListIDsReply *ListIDsReply
	PeerSetup    *PeerInfo
	NodeStats    []NodeStat
}

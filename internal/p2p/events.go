// Package p2p owns the TCP connection to the peer and speaks the wire
// protocol: handshake, header sync, block download, and keepalive. The
// session reports to its owner through typed events on a channel; the
// session worker is the sole owner of the socket.
package p2p

import (
	"github.com/unitlabs/unit-indexer/pkg/types"
	"github.com/unitlabs/unit-indexer/pkg/wire"
)

// DisconnectReason classifies why a session ended.
type DisconnectReason string

const (
	ReasonDialFailed DisconnectReason = "dial_failed"
	ReasonTimeout    DisconnectReason = "timeout"
	ReasonProtocol   DisconnectReason = "protocol_violation"
	ReasonRemote     DisconnectReason = "remote_closed"
	ReasonLocal      DisconnectReason = "local_close"
)

// Event is a typed message from the session to its owner.
type Event interface {
	isEvent()
}

// ReadyEvent fires once, when version and verack have both been
// exchanged.
type ReadyEvent struct {
	PeerVersion uint32
	PeerHeight  int32
	UserAgent   string
	Services    uint64
}

// HeadersBatchEvent carries one headers response.
type HeadersBatchEvent struct {
	Headers []wire.BlockHeader
}

// BlockEvent carries one downloaded block with its raw payload.
type BlockEvent struct {
	Hash  types.Hash
	Block *wire.MsgBlock
	Raw   []byte
}

// DisconnectedEvent is the final event of a session.
type DisconnectedEvent struct {
	Reason DisconnectReason
	Err    error
}

func (ReadyEvent) isEvent()        {}
func (HeadersBatchEvent) isEvent() {}
func (BlockEvent) isEvent()        {}
func (DisconnectedEvent) isEvent() {}

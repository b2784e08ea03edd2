package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/unitlabs/unit-indexer/pkg/types"
	"github.com/unitlabs/unit-indexer/pkg/wire"
)

const (
	// defaultReadTimeout is the per-message read deadline.
	defaultReadTimeout = 5 * time.Minute

	// defaultPingInterval triggers an unsolicited ping on an idle link.
	defaultPingInterval = 2 * time.Minute

	// defaultDialTimeout bounds the TCP connect.
	defaultDialTimeout = 30 * time.Second

	// DefaultBatch is the maximum outstanding getdata requests.
	DefaultBatch = 500

	// eventBuffer sizes the event channel; a full buffer applies
	// backpressure to the read loop.
	eventBuffer = 64
)

// Config parameterizes a session.
type Config struct {
	PeerAddr     string
	Magic        uint32
	Services     uint64
	UserAgent    string
	StartHeight  int32
	Batch        int
	ReadTimeout  time.Duration
	PingInterval time.Duration
	DialTimeout  time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Batch <= 0 {
		out.Batch = DefaultBatch
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = defaultReadTimeout
	}
	if out.PingInterval <= 0 {
		out.PingInterval = defaultPingInterval
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = defaultDialTimeout
	}
	return out
}

// Session is one connection to the peer. Create with Dial; consume
// Events() until the terminal DisconnectedEvent, after which the
// channel is closed. The read loop is the only goroutine that emits
// events and the only one that closes the channel.
type Session struct {
	cfg    Config
	conn   net.Conn
	events chan Event
	logger zerolog.Logger

	writeMu sync.Mutex // serializes frames onto the socket

	mu            sync.Mutex
	gotVersion    bool
	gotVerack     bool
	readySent     bool
	peerVersion   wire.MsgVersion
	pendingBlocks int          // outstanding getdata entries
	blockQueue    []types.Hash // requests beyond the batch window
	checksumDrops uint64
	abortReason   DisconnectReason // set by abort; overrides read-loop classification
	abortErr      error

	done     chan struct{}
	doneOnce sync.Once
}

// Dial connects to the configured peer and starts the handshake. The
// returned session emits ReadyEvent once the handshake completes.
func Dial(ctx context.Context, cfg Config, logger zerolog.Logger) (*Session, error) {
	cfg = cfg.withDefaults()

	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.PeerAddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.PeerAddr, err)
	}

	s := newSession(cfg, conn, logger)
	if err := s.sendVersion(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send version: %w", err)
	}
	s.start()

	logger.Info().Str("peer", cfg.PeerAddr).Msg("Connected, handshake started")
	return s, nil
}

// newSession wires a session over an established connection. Split from
// Dial so tests can drive a session over a pipe.
func newSession(cfg Config, conn net.Conn, logger zerolog.Logger) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:    cfg,
		conn:   conn,
		events: make(chan Event, eventBuffer),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// start launches the background loops.
func (s *Session) start() {
	go s.readLoop()
	go s.pingLoop()
}

// Events returns the session's event stream. The channel is closed
// after the terminal DisconnectedEvent.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Close terminates the session. The terminal DisconnectedEvent still
// arrives on the event channel.
func (s *Session) Close() {
	s.abort(ReasonLocal, nil)
}

// abort requests shutdown: it records the reason and closes the socket,
// which unblocks the read loop to finish the session.
func (s *Session) abort(reason DisconnectReason, err error) {
	s.mu.Lock()
	if s.abortReason == "" {
		s.abortReason = reason
		s.abortErr = err
	}
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
	s.conn.Close()
}

// ChecksumDrops returns how many corrupt frames were skipped.
func (s *Session) ChecksumDrops() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checksumDrops
}

// RequestHeaders sends a getheaders request for headers after the
// locator.
func (s *Session) RequestHeaders(locator []types.Hash) error {
	msg := wire.MsgGetHeaders{
		ProtocolVersion: wire.ProtocolVersion,
		Locator:         locator,
	}
	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode getheaders: %w", err)
	}
	return s.send(wire.CmdGetHeaders, payload)
}

// RequestBlocks queues block downloads. At most Batch getdata entries
// are outstanding at once; the window slides as block messages arrive.
func (s *Session) RequestBlocks(hashes []types.Hash) error {
	s.mu.Lock()
	room := s.cfg.Batch - s.pendingBlocks
	if room < 0 {
		room = 0
	}
	var now []types.Hash
	if len(hashes) <= room {
		now = hashes
	} else {
		now = hashes[:room]
		s.blockQueue = append(s.blockQueue, hashes[room:]...)
	}
	s.pendingBlocks += len(now)
	s.mu.Unlock()

	return s.sendGetData(now)
}

// PendingBlocks returns the outstanding plus queued block requests.
func (s *Session) PendingBlocks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingBlocks + len(s.blockQueue)
}

func (s *Session) sendGetData(hashes []types.Hash) error {
	if len(hashes) == 0 {
		return nil
	}
	items := make([]wire.InvVect, len(hashes))
	for i, h := range hashes {
		items[i] = wire.InvVect{Type: wire.InvTypeWitnessBlock, Hash: h}
	}
	payload, err := wire.EncodeInv(items)
	if err != nil {
		return fmt.Errorf("encode getdata: %w", err)
	}
	return s.send(wire.CmdGetData, payload)
}

func (s *Session) sendVersion() error {
	msg := wire.MsgVersion{
		ProtocolVersion: wire.ProtocolVersion,
		Services:        s.cfg.Services,
		Timestamp:       time.Now().Unix(),
		Nonce:           uint64(time.Now().UnixNano()),
		UserAgent:       s.cfg.UserAgent,
		StartHeight:     s.cfg.StartHeight,
	}
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	return s.send(wire.CmdVersion, payload)
}

// send frames and writes one message.
func (s *Session) send(command string, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := wire.WriteMessage(s.conn, s.cfg.Magic, command, payload); err != nil {
		return fmt.Errorf("send %s: %w", command, err)
	}
	return nil
}

// readLoop is the sole reader of the socket, the sole emitter of
// events, and the sole closer of the event channel.
func (s *Session) readLoop() {
	reason, err := s.readMessages()

	// A caller-requested abort overrides whatever the socket reported.
	s.mu.Lock()
	if s.abortReason != "" {
		reason, err = s.abortReason, s.abortErr
	}
	s.mu.Unlock()

	s.doneOnce.Do(func() { close(s.done) })
	s.conn.Close()

	if err != nil {
		s.logger.Warn().Err(err).Str("reason", string(reason)).Msg("Session disconnected")
	} else {
		s.logger.Info().Str("reason", string(reason)).Msg("Session closed")
	}

	s.emit(DisconnectedEvent{Reason: reason, Err: err})
	close(s.events)
}

// readMessages runs until the connection fails or a protocol violation
// occurs, returning the classified reason.
func (s *Session) readMessages() (DisconnectReason, error) {
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		command, payload, err := wire.ReadMessage(s.conn, s.cfg.Magic)
		if err != nil {
			switch {
			case errors.Is(err, wire.ErrBadChecksum):
				// Single corrupt frame: drop it, keep the session.
				s.mu.Lock()
				s.checksumDrops++
				s.mu.Unlock()
				s.logger.Warn().Str("command", command).Msg("Dropping frame with bad checksum")
				continue
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				return ReasonRemote, err
			case isTimeout(err):
				return ReasonTimeout, err
			default:
				return ReasonProtocol, err
			}
		}

		if err := s.handleMessage(command, payload); err != nil {
			return ReasonProtocol, err
		}

		select {
		case <-s.done:
			return ReasonLocal, nil
		default:
		}
	}
}

// handleMessage dispatches one inbound message.
func (s *Session) handleMessage(command string, payload []byte) error {
	switch command {
	case wire.CmdVersion:
		var msg wire.MsgVersion
		if err := msg.Decode(payload); err != nil {
			return fmt.Errorf("decode version: %w", err)
		}
		s.mu.Lock()
		if s.gotVersion {
			s.mu.Unlock()
			return errors.New("duplicate version message")
		}
		s.gotVersion = true
		s.peerVersion = msg
		s.mu.Unlock()
		if err := s.send(wire.CmdVerack, nil); err != nil {
			return err
		}
		s.maybeReady()

	case wire.CmdVerack:
		s.mu.Lock()
		s.gotVerack = true
		s.mu.Unlock()
		s.maybeReady()

	case wire.CmdPing:
		nonce, err := wire.DecodePing(payload)
		if err != nil {
			return fmt.Errorf("decode ping: %w", err)
		}
		return s.send(wire.CmdPong, wire.EncodePing(nonce))

	case wire.CmdPong:
		// Keepalive answer; nothing to track beyond liveness.

	case wire.CmdHeaders:
		headers, err := wire.DecodeHeaders(payload)
		if err != nil {
			return fmt.Errorf("decode headers: %w", err)
		}
		s.emit(HeadersBatchEvent{Headers: headers})

	case wire.CmdBlock:
		var blk wire.MsgBlock
		if err := blk.Decode(payload); err != nil {
			return fmt.Errorf("decode block: %w", err)
		}
		if err := s.slideBlockWindow(); err != nil {
			return err
		}
		s.emit(BlockEvent{
			Hash:  blk.Header.BlockHash(),
			Block: &blk,
			Raw:   payload,
		})

	case wire.CmdInv, wire.CmdAddr:
		// Unsolicited announcements; the indexer pulls explicitly.

	default:
		// Unknown commands (sendheaders, feefilter, ...) are ignored.
		s.logger.Debug().Str("command", command).Msg("Ignoring message")
	}
	return nil
}

// slideBlockWindow accounts for an arrived block and issues queued
// getdata requests that now fit the window.
func (s *Session) slideBlockWindow() error {
	s.mu.Lock()
	if s.pendingBlocks > 0 {
		s.pendingBlocks--
	}
	var next []types.Hash
	if len(s.blockQueue) > 0 && s.pendingBlocks < s.cfg.Batch {
		room := s.cfg.Batch - s.pendingBlocks
		if room > len(s.blockQueue) {
			room = len(s.blockQueue)
		}
		next = s.blockQueue[:room]
		s.blockQueue = append([]types.Hash{}, s.blockQueue[room:]...)
		s.pendingBlocks += len(next)
	}
	s.mu.Unlock()

	return s.sendGetData(next)
}

// maybeReady emits the single Ready event once both halves of the
// handshake are complete.
func (s *Session) maybeReady() {
	s.mu.Lock()
	ready := s.gotVersion && s.gotVerack && !s.readySent
	if ready {
		s.readySent = true
	}
	peer := s.peerVersion
	s.mu.Unlock()

	if !ready {
		return
	}
	s.logger.Info().
		Uint32("peer_version", peer.ProtocolVersion).
		Int32("peer_height", peer.StartHeight).
		Str("user_agent", peer.UserAgent).
		Msg("Handshake complete")
	s.emit(ReadyEvent{
		PeerVersion: peer.ProtocolVersion,
		PeerHeight:  peer.StartHeight,
		UserAgent:   peer.UserAgent,
		Services:    peer.Services,
	})
}

// emit delivers an event; the buffer absorbs bursts, a slow owner
// throttles the read loop. Only the read loop calls emit.
func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		// Buffer full: block until the owner catches up or the
		// session is torn down.
		select {
		case s.events <- ev:
		case <-s.done:
		}
	}
}

// pingLoop keeps an idle connection alive.
func (s *Session) pingLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			nonce := uint64(time.Now().UnixNano())
			if err := s.send(wire.CmdPing, wire.EncodePing(nonce)); err != nil {
				s.abort(ReasonRemote, err)
				return
			}
		case <-s.done:
			return
		}
	}
}

// isTimeout reports whether the error is a read deadline expiry.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

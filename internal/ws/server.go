package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/unitlabs/unit-indexer/internal/bus"
	"github.com/unitlabs/unit-indexer/internal/store"
	"github.com/unitlabs/unit-indexer/internal/vault"
	"github.com/unitlabs/unit-indexer/pkg/types"
)

const (
	// maxRequestBytes bounds a single client frame.
	maxRequestBytes = 1 << 16

	// writeTimeout bounds a single frame write.
	writeTimeout = 10 * time.Second
)

// Server accepts WebSocket connections, answers query requests, and
// pushes notifications from the bus. Each connection runs a reader and
// a writer goroutine; the writer is the sole socket writer.
type Server struct {
	addr     string
	store    *store.Store
	bus      *bus.Bus
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
	ln       net.Listener
}

// New creates a WebSocket server.
func New(addr string, st *store.Store, b *bus.Bus, logger zerolog.Logger) *Server {
	s := &Server{
		addr:   addr,
		store:  st,
		bus:    b,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The API is public within its bind scope; no origin gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleConn)
	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
	}
	return s
}

// Start begins listening and serving in a background goroutine.
// It returns immediately after the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("websocket listen: %w", err)
	}
	s.ln = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("WebSocket server error")
		}
	}()

	s.logger.Info().Str("addr", s.Addr()).Msg("WebSocket server listening")
	return nil
}

// Addr returns the listener address (useful when bound to :0).
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// handleConn upgrades one connection and runs its read/write loops.
func (s *Server) handleConn(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe()
	if sub == nil {
		return // bus closed: shutting down
	}
	defer s.bus.Unsubscribe(sub)

	conn.SetReadLimit(maxRequestBytes)

	// outbound serializes query responses with push frames; the writer
	// goroutine owns the socket's write side.
	outbound := make(chan any, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// The writer drains outbound until the reader closes it, so the
		// reader never blocks on a dead writer. After a write failure
		// (or subscription loss) frames are discarded and the closed
		// socket unblocks the reader.
		subC := sub.C
		dead := false
		for {
			select {
			case n, ok := <-subC:
				if !ok {
					// Overflowed or bus closed: cut the client loose.
					subC = nil
					dead = true
					_ = conn.Close()
					continue
				}
				if !dead && !s.writeFrame(conn, notificationFrame{NewTranscation: n.Event}) {
					dead = true
					_ = conn.Close()
				}
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				if !dead && !s.writeFrame(conn, msg) {
					dead = true
					_ = conn.Close()
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			outbound <- errorResponse{Error: "invalid JSON request"}
			continue
		}
		resp, err := s.dispatch(&req)
		if err != nil {
			outbound <- errorResponse{Error: err.Error()}
			continue
		}
		outbound <- resp
	}

	close(outbound)
	<-writerDone
}

// writeFrame marshals one frame onto the socket.
func (s *Server) writeFrame(conn *websocket.Conn, msg any) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("Response marshal failed")
		return true
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return false
	}
	return true
}

// dispatch routes a request to the appropriate query. Errors are
// returned to the caller without closing the connection.
func (s *Server) dispatch(req *request) (any, error) {
	switch req.Method {
	case "range_history_all":
		events, err := s.store.RangeHistoryAll(req.TimestampStart, req.TimestampEnd)
		if err != nil {
			return nil, fmt.Errorf("query failed: %w", err)
		}
		return map[string]any{"AllHistory": events}, nil

	case "vault_history_tx":
		if req.VaultOpenTxID == "" {
			return nil, fmt.Errorf("vault_open_txid required")
		}
		openTxID, err := types.HexToHash(req.VaultOpenTxID)
		if err != nil {
			return nil, fmt.Errorf("invalid vault_open_txid: %w", err)
		}
		events, err := s.store.VaultHistoryTx(openTxID, req.TimestampStart, req.TimestampEnd)
		if err != nil {
			return nil, fmt.Errorf("query failed: %w", err)
		}
		return map[string]any{"VaultHistory": events}, nil

	case "action_history":
		action, err := vault.ActionFromString(req.Action)
		if err != nil {
			return nil, err
		}
		bucket, err := timespanSeconds(req.Timespan)
		if err != nil {
			return nil, err
		}
		buckets, err := s.store.ActionHistory(action, bucket)
		if err != nil {
			return nil, fmt.Errorf("query failed: %w", err)
		}
		return map[string]any{"ActionHistory": buckets}, nil

	case "overall_volume":
		v, err := s.store.OverallVolume()
		if err != nil {
			return nil, fmt.Errorf("query failed: %w", err)
		}
		// Key spelling is part of the wire contract.
		return map[string]any{"OveallVolume": v}, nil

	default:
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}
}

package ws

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	plog "appworld.ai/internal/persistence/log"
	"appworld.ai/internal/protocol"
	"appworld.ai/internal/sim/world"
)

// ServerID is the network id of the authoritative participant.
const ServerID = "server"

// Journal records frames crossing the transport.
type Journal interface {
	WriteNet(e plog.NetLogEntry) error
}

// Server is the websocket hub. It is also the server world's Network: Send
// fans a frame out to every session except the ignored one.
type Server struct {
	world *world.World
	log   *log.Logger

	upgrader websocket.Upgrader
	maxQueue int
	journal  Journal

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id     string
	out    chan []byte
	cancel context.CancelFunc
}

func NewServer(w *world.World, logger *log.Logger, maxQueue int) *Server {
	if maxQueue <= 0 {
		maxQueue = 256
	}
	return &Server{
		world:    w,
		log:      logger,
		maxQueue: maxQueue,
		sessions: map[string]*session{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) SetJournal(j Journal) { s.journal = j }

func (s *Server) ID() string     { return ServerID }
func (s *Server) IsServer() bool { return true }

func (s *Server) Send(typ string, data any, ignore string) {
	b, err := protocol.Encode(typ, data)
	if err != nil {
		s.log.Printf("send %s: %v", typ, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if id == ignore {
			continue
		}
		s.enqueueLocked(sess, b)
	}
}

// Reject reports a refused message to its sender.
func (s *Server) Reject(peer, code, message string) {
	b, err := protocol.Encode(protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[peer]; ok {
		s.enqueueLocked(sess, b)
	}
}

// enqueueLocked drops a session whose queue is full. A participant that
// misses a replicated change can no longer converge, so it must reconnect.
func (s *Server) enqueueLocked(sess *session, b []byte) {
	select {
	case sess.out <- b:
	default:
		s.log.Printf("session %s: outbound queue full (%d), disconnecting", sess.id, cap(sess.out))
		delete(s.sessions, sess.id)
		sess.cancel()
	}
}

func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sess := s.handshake(conn, cancel)
		if sess == nil {
			return
		}

		// Writer goroutine.
		go func() {
			defer conn.Close()
			for {
				select {
				case <-ctx.Done():
					_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			env, err := s.decode(msg)
			if err != nil {
				s.Reject(sess.id, protocol.ErrProtoBadRequest, err.Error())
				continue
			}
			if env.ProtocolVersion != "" && env.ProtocolVersion != protocol.Version {
				s.Reject(sess.id, protocol.ErrProtoVersion, "protocol_version "+env.ProtocolVersion)
				continue
			}
			if env.Type == protocol.TypeHello {
				s.Reject(sess.id, protocol.ErrProtoBadRequest, "already joined")
				continue
			}
			if s.journal != nil {
				_ = s.journal.WriteNet(plog.NetLogEntry{Dir: "in", Peer: sess.id, Type: env.Type, Data: env.Data})
			}
			select {
			case s.world.Inbox() <- world.Inbound{From: sess.id, Env: env}:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}

		// Cleanup.
		cancel()
		s.unregister(sess.id)
		s.world.Leave() <- sess.id
	}
}

func (s *Server) decode(msg []byte) (protocol.Envelope, error) {
	if err := protocol.ValidateFrame(msg); err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.DecodeBase(msg)
}

func (s *Server) handshake(conn *websocket.Conn, cancel context.CancelFunc) *session {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	env, err := protocol.DecodeBase(msg)
	if err != nil || env.Type != protocol.TypeHello {
		writeError(conn, protocol.ErrProtoBadRequest, "expected hello")
		return nil
	}
	if env.ProtocolVersion != protocol.Version {
		writeError(conn, protocol.ErrProtoVersion, "bad protocol_version")
		return nil
	}
	if err := protocol.ValidateFrame(msg); err != nil {
		writeError(conn, protocol.ErrProtoBadRequest, err.Error())
		return nil
	}
	var hello protocol.HelloMsg
	if err := protocol.DecodeData(env, &hello); err != nil {
		writeError(conn, protocol.ErrProtoBadRequest, err.Error())
		return nil
	}
	if hello.Name == "" {
		hello.Name = "guest"
	}

	maxQ := hello.MaxQueue
	if maxQ < 16 {
		maxQ = 16
	}
	if maxQ > s.maxQueue {
		maxQ = s.maxQueue
	}
	sess := &session{id: world.NewNetworkID(), out: make(chan []byte, maxQ), cancel: cancel}

	// Buffered so a late answer from the loop never blocks it.
	joined := make(chan joinResult, 1)
	s.world.Join() <- world.JoinRequest{
		ID:   sess.id,
		Name: hello.Name,
		Accept: func(wm protocol.WelcomeMsg) {
			b, err := protocol.Encode(protocol.TypeWelcome, wm)
			if err != nil {
				joined <- joinResult{admitted: true, err: fmt.Errorf("encode welcome: %w", err)}
				return
			}
			s.mu.Lock()
			sess.out <- b
			s.sessions[sess.id] = sess
			s.mu.Unlock()
			joined <- joinResult{admitted: true}
		},
		Reject: func(err error) { joined <- joinResult{err: err} },
	}
	select {
	case res := <-joined:
		if res.err != nil {
			s.log.Printf("join %s: %v", sess.id, res.err)
			if res.admitted {
				s.world.Leave() <- sess.id
			}
			writeError(conn, protocol.ErrInternal, "join failed")
			return nil
		}
	case <-time.After(5 * time.Second):
		s.log.Printf("join %s: world did not answer", sess.id)
		go func() {
			if res := <-joined; res.admitted {
				s.unregister(sess.id)
				s.world.Leave() <- sess.id
			}
		}()
		return nil
	}
	s.log.Printf("session %s joined as %q (queue=%d)", sess.id, hello.Name, maxQ)
	return sess
}

// joinResult is the loop's answer to a join. admitted reports whether a
// player entity was created and must be removed on failure.
type joinResult struct {
	admitted bool
	err      error
}

func writeError(conn *websocket.Conn, code, message string) {
	if b, err := protocol.Encode(protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message}); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.TextMessage, b)
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), time.Now().Add(time.Second))
}

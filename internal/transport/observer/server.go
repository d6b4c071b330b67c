// Package observer exposes a read-only, loopback-only view of a running world
// for operators: a JSON status document and a websocket that pushes it
// periodically.
package observer

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"appworld.ai/internal/protocol"
	"appworld.ai/internal/sim/world"
)

// Sessions reports connected participants. *ws.Server implements it.
type Sessions interface {
	Sessions() int
}

type AppStatus struct {
	ID         string `json:"id"`
	Blueprint  string `json:"blueprint"`
	Version    int    `json:"version"`
	Mode       string `json:"mode"`
	Generation uint64 `json:"generation"`
	Listeners  int    `json:"listeners"`
	Queued     int    `json:"queued,omitempty"`
	Fetches    int    `json:"fetches,omitempty"`
}

type Status struct {
	WorldID       string      `json:"world_id"`
	NetworkID     string      `json:"network_id"`
	Tick          uint64      `json:"tick"`
	Uptime        string      `json:"uptime"`
	Players       int         `json:"players"`
	Sessions      int         `json:"sessions"`
	Blueprints    int         `json:"blueprints"`
	Hot           int         `json:"hot"`
	StaleDiscards uint64      `json:"stale_discards"`
	Apps          []AppStatus `json:"apps"`
}

type Server struct {
	world    *world.World
	sessions Sessions
	log      *log.Logger
	started  time.Time

	upgrader websocket.Upgrader
	interval time.Duration
}

func NewServer(w *world.World, sessions Sessions, logger *log.Logger) *Server {
	return &Server{
		world:    w,
		sessions: sessions,
		log:      logger,
		started:  time.Now(),
		interval: time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Status reads the world on its own goroutine.
func (s *Server) Status(ctx context.Context) (Status, error) {
	ch := make(chan Status, 1)
	fn := func(w *world.World) { ch <- s.collect(w) }
	select {
	case s.world.Calls() <- fn:
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	select {
	case st := <-ch:
		if s.sessions != nil {
			st.Sessions = s.sessions.Sessions()
		}
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

func (s *Server) collect(w *world.World) Status {
	st := Status{
		WorldID:       w.ID(),
		NetworkID:     w.NetworkID(),
		Tick:          w.CurrentTick(),
		Uptime:        strings.TrimSuffix(humanize.Time(s.started), " ago"),
		Blueprints:    w.Blueprints().Len(),
		Hot:           w.HotCount(),
		StaleDiscards: w.StaleDiscards(),
		Apps:          []AppStatus{},
	}
	for _, e := range w.Entities() {
		switch e.Kind() {
		case protocol.EntityTypePlayer:
			st.Players++
		case protocol.EntityTypeApp:
			a := e.(*world.App)
			st.Apps = append(st.Apps, AppStatus{
				ID:         a.ID(),
				Blueprint:  a.Data().Blueprint,
				Version:    a.Version(),
				Mode:       a.Mode().String(),
				Generation: a.Generation(),
				Listeners:  a.Listeners(),
				Queued:     a.QueuedEvents(),
				Fetches:    a.PendingFetches(),
			})
		}
	}
	return st
}

func (s *Server) StatusHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		st, err := s.Status(ctx)
		if err != nil {
			http.Error(rw, "world busy", http.StatusServiceUnavailable)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(st)
	}
}

// WSHandler pushes a Status frame every interval until the peer goes away.
func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Reader: only to notice the close.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			st, err := s.Status(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.log.Printf("observer: %v", err)
				}
				return
			}
			b, _ := json.Marshal(st)
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
				return
			case <-t.C:
			}
		}
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

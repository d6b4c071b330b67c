package ws

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"appworld.ai/internal/protocol"
	"appworld.ai/internal/sim/world"
)

// Client is a participant's connection to the server. After Dial it is the
// client world's Network.
type Client struct {
	conn    *websocket.Conn
	log     *log.Logger
	welcome protocol.WelcomeMsg

	out       chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Dial connects, says hello and waits for the welcome.
func Dial(ctx context.Context, url, name string, maxQueue int, logger *log.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	hello, err := protocol.Encode(protocol.TypeHello, protocol.HelloMsg{Name: name, MaxQueue: maxQueue})
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}

	c := &Client{conn: conn, log: logger, out: make(chan []byte, 1024), done: make(chan struct{})}
	env, err := c.ReadEnvelope()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if env.Type != protocol.TypeWelcome {
		conn.Close()
		return nil, fmt.Errorf("expected welcome, got %s", env.Type)
	}
	if err := protocol.DecodeData(env, &c.welcome); err != nil {
		conn.Close()
		return nil, err
	}
	go c.writeLoop()
	return c, nil
}

func (c *Client) Welcome() protocol.WelcomeMsg { return c.welcome }

func (c *Client) ID() string     { return c.welcome.NetworkID }
func (c *Client) IsServer() bool { return false }

// Send queues a frame for the server. ignore only has meaning on the server.
func (c *Client) Send(typ string, data any, _ string) {
	b, err := protocol.Encode(typ, data)
	if err != nil {
		c.log.Printf("send %s: %v", typ, err)
		return
	}
	select {
	case c.out <- b:
	case <-c.done:
	default:
		c.log.Printf("send %s: outbound queue full, dropping", typ)
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case b := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.Close()
				return
			}
		}
	}
}

// ReadEnvelope blocks for the next frame. Error frames are returned as
// *ServerError.
func (c *Client) ReadEnvelope() (protocol.Envelope, error) {
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}
	env, err := protocol.DecodeBase(msg)
	if err != nil {
		return env, fmt.Errorf("decode: %w", err)
	}
	if env.Type == protocol.TypeError {
		var e protocol.ErrorMsg
		_ = protocol.DecodeData(env, &e)
		return env, &ServerError{Code: e.Code, Message: e.Message}
	}
	return env, nil
}

// Pump forwards server frames into w until the connection or ctx ends.
// Refusals are logged and do not end the pump.
func (c *Client) Pump(ctx context.Context, w *world.World) error {
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()
	for {
		env, err := c.ReadEnvelope()
		if se, ok := err.(*ServerError); ok {
			c.log.Printf("server refused: %v", se)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		select {
		case w.Inbox() <- world.Inbound{From: ServerID, Env: env}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}

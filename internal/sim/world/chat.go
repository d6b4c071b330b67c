package world

import (
	"time"

	"appworld.ai/internal/protocol"
	"appworld.ai/internal/sim/events"
)

// chatLog keeps the most recent messages, oldest first.
type chatLog struct {
	max  int
	msgs []protocol.ChatMessage
	seen map[string]struct{}
}

func newChatLog(max int) *chatLog {
	return &chatLog{max: max, seen: map[string]struct{}{}}
}

func (c *chatLog) add(m protocol.ChatMessage) bool {
	if _, ok := c.seen[m.ID]; ok {
		return false
	}
	c.seen[m.ID] = struct{}{}
	c.msgs = append(c.msgs, m)
	if over := len(c.msgs) - c.max; over > 0 {
		for _, old := range c.msgs[:over] {
			delete(c.seen, old.ID)
		}
		c.msgs = append(c.msgs[:0:0], c.msgs[over:]...)
	}
	return true
}

func (c *chatLog) all() []protocol.ChatMessage {
	return append([]protocol.ChatMessage(nil), c.msgs...)
}

// ChatMessages returns the retained chat history.
func (w *World) ChatMessages() []protocol.ChatMessage { return w.chat.all() }

// Chat records a message, notifies chat listeners and optionally broadcasts it.
func (w *World) Chat(fromID, from, body string, broadcast bool) protocol.ChatMessage {
	m := protocol.ChatMessage{
		ID:        NewEntityID(),
		FromID:    fromID,
		From:      from,
		Body:      body,
		CreatedAt: w.now().UTC().Format(time.RFC3339),
	}
	w.receiveChat(m)
	if broadcast {
		w.net.Send(protocol.TypeChatAdded, m, "")
	}
	return m
}

func (w *World) receiveChat(m protocol.ChatMessage) bool {
	if !w.chat.add(m) {
		return false
	}
	w.bus.Emit(events.Chat, m)
	return true
}

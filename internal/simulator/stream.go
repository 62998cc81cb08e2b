package simulator

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chosenoffset/telesync/pkg/telesync/protocol"
)

const writeTimeout = 5 * time.Second

// streamClient is one websocket connection. Replies and pushes use the
// frame type of the last request the client sent.
type streamClient struct {
	conn *websocket.Conn

	mu     sync.Mutex
	tags   map[string]bool
	binary bool
}

func (c *streamClient) subscribed(tag string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tags[tag]
}

func (c *streamClient) send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ft, mt := protocol.TextFrame, websocket.TextMessage
	if c.binary {
		ft, mt = protocol.BinaryFrame, websocket.BinaryMessage
	}
	data, err := protocol.Encode(ft, env)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(mt, data)
}

func (s *Simulator) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &streamClient{conn: conn, tags: make(map[string]bool)}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()
	defer s.drop(c)

	if err := c.send(protocol.Envelope{
		Type:    protocol.TypeConnectionEstablished,
		Message: "connected to the monitoring stream",
	}); err != nil {
		return
	}

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("stream read error", "error", err)
			}
			return
		}
		c.mu.Lock()
		c.binary = mt == websocket.BinaryMessage
		c.mu.Unlock()

		if err := s.handleRequest(c, protocol.FrameType(mt), data); err != nil {
			return
		}
	}
}

func (s *Simulator) handleRequest(c *streamClient, ft protocol.FrameType, data []byte) error {
	msg, err := protocol.Decode(ft, data)
	if err != nil {
		return c.send(protocol.Envelope{Type: protocol.TypeError, Message: "invalid message format"})
	}

	switch msg.Type {
	case protocol.TypeSubscribeSensor:
		c.mu.Lock()
		c.tags[msg.Tag] = true
		c.mu.Unlock()
		return c.send(protocol.Envelope{Type: protocol.TypeSubscribed, Tag: msg.Tag})

	case protocol.TypeUnsubscribeSensor:
		c.mu.Lock()
		delete(c.tags, msg.Tag)
		c.mu.Unlock()
		return c.send(protocol.Envelope{Type: protocol.TypeUnsubscribed, Tag: msg.Tag})

	case protocol.TypeGetLatestData:
		reply := protocol.Envelope{Type: protocol.TypeLatestData, Tag: msg.Tag}
		if p, ok := s.latest(msg.Tag); ok {
			reply.Data = protocol.Reading{Timestamp: protocol.NewTimestamp(p.at), Value: p.value, Tag: msg.Tag}
		}
		return c.send(reply)

	case protocol.TypeGetThresholds:
		table := s.Thresholds()
		rows := make([]protocol.ThresholdPayload, 0, len(table))
		for _, t := range table {
			rows = append(rows, protocol.ThresholdPayload{Tag: t.Tag, MinValue: t.Min, MaxValue: t.Max})
		}
		return c.send(protocol.Envelope{Type: protocol.TypeThresholds, Data: rows})

	default:
		return c.send(protocol.Envelope{Type: protocol.TypeError, Message: "unknown message type " + string(msg.Type)})
	}
}

// broadcast pushes env to every client subscribed to tag, or to every
// client when tag is empty.
func (s *Simulator) broadcast(tag string, env protocol.Envelope) {
	s.clientsMu.RLock()
	targets := make([]*streamClient, 0, len(s.clients))
	for c := range s.clients {
		if tag == "" || c.subscribed(tag) {
			targets = append(targets, c)
		}
	}
	s.clientsMu.RUnlock()

	for _, c := range targets {
		if err := c.send(env); err != nil {
			s.logger.Debug("push failed", "error", err)
			s.drop(c)
		}
	}
}

func (s *Simulator) drop(c *streamClient) {
	s.clientsMu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.clientsMu.Unlock()
	if ok {
		c.conn.Close()
	}
}

// ClientCount returns the number of open stream connections.
func (s *Simulator) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// SubscriberCount returns the number of clients subscribed to tag.
func (s *Simulator) SubscriberCount(tag string) int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	n := 0
	for c := range s.clients {
		if c.subscribed(tag) {
			n++
		}
	}
	return n
}

// Disconnect closes every stream connection, as a server restart would.
func (s *Simulator) Disconnect() {
	s.clientsMu.Lock()
	clients := s.clients
	s.clients = make(map[*streamClient]bool)
	s.clientsMu.Unlock()
	for c := range clients {
		c.conn.Close()
	}
}

// Package broker is the device's durable publish/subscribe session over a
// WebSocket transport: reconnect with backoff, topic routing to handlers,
// and QoS-tagged JSON publish. One goroutine owns the connection; Publish
// and Subscribe are safe from any goroutine.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Handler processes one inbound message on a subscribed topic.
type Handler func(topic string, payload json.RawMessage)

// Message is the envelope published and received on the wire. QoS and
// Retain ride as envelope metadata for the server to honor; the session
// itself only guarantees ordered delivery per connection.
type Message struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	QoS     int             `json:"qos"`
	Retain  bool            `json:"retain"`
}

const (
	minBackoff = time.Second
	maxBackoff = 5 * time.Second
)

// Session is a durable, reconnecting broker session. The zero value is not
// usable; construct with New.
type Session struct {
	url  string
	id   string
	dial *websocket.Dialer
	mu   sync.Mutex
	conn *websocket.Conn
	subs map[string][]Handler
	send chan Message
	done chan struct{}
	wg   sync.WaitGroup
}

// New returns a Session that has not yet connected. brokerURL is a ws(s)://
// endpoint.
func New(brokerURL string) *Session {
	return &Session{
		url:  brokerURL,
		id:   uuid.NewString(),
		dial: websocket.DefaultDialer,
		subs: make(map[string][]Handler),
		send: make(chan Message, 256),
		done: make(chan struct{}),
	}
}

// Subscribe registers handler for topic. The subscribe set is remembered
// and re-applied on every reconnect.
func (s *Session) Subscribe(topic string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[topic] = append(s.subs[topic], h)
}

// Connect starts the reconnect loop in the background and returns
// immediately, before any connection attempt has been made; the loop keeps
// retrying until Disconnect or ctx ends it.
func (s *Session) Connect(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Publish JSON-serializes payload and enqueues it for delivery. Callers
// never pre-serialize.
func (s *Session) Publish(topic string, payload interface{}, qos int, retain bool) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("broker: marshal payload for %s: %w", topic, err)
	}
	msg := Message{Topic: topic, Payload: raw, QoS: qos, Retain: retain}
	select {
	case <-s.done:
		return fmt.Errorf("broker: session closed")
	default:
	}
	select {
	case s.send <- msg:
		return nil
	case <-s.done:
		return fmt.Errorf("broker: session closed")
	}
}

// Disconnect stops the reconnect loop and closes the underlying connection.
func (s *Session) Disconnect() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Close implements registry.Closer.
func (s *Session) Close() error { return s.Disconnect() }

func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()
	backoff := minBackoff
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, err := s.dialOnce(ctx)
		if err != nil {
			log.Printf("broker: connect %s failed: %v (retry in %s)", s.url, err, backoff)
			select {
			case <-time.After(backoff):
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = minBackoff
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		log.Printf("broker: connected to %s as %s", s.url, s.id)

		s.resubscribe(conn)
		s.pumpUntilClosed(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}
}

func (s *Session) dialOnce(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("session", s.id)
	u.RawQuery = q.Encode()
	conn, _, err := s.dial.DialContext(ctx, u.String(), nil)
	return conn, err
}

// resubscribe re-declares every topic this session has handlers for. A real
// broker tracks subscriptions server-side per connection; over our
// generalized Hub this is a no-op on the wire (the server routes by topic
// string found in every published/ received Message), but it is kept as an
// explicit step so a future real MQTT transport only needs to fill in the
// wire call here.
func (s *Session) resubscribe(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for topic := range s.subs {
		log.Printf("broker: resubscribed %s", topic)
	}
}

func (s *Session) pumpUntilClosed(ctx context.Context, conn *websocket.Conn) {
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Printf("broker: malformed frame: %v", err)
				continue
			}
			s.dispatch(msg)
		}
	}()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case err := <-readErr:
			log.Printf("broker: read error, reconnecting: %v", err)
			return
		case msg := <-s.send:
			raw, err := json.Marshal(msg)
			if err != nil {
				log.Printf("broker: marshal envelope: %v", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				log.Printf("broker: write error, reconnecting: %v", err)
				// put it back for the next connection attempt, best effort
				select {
				case s.send <- msg:
				default:
				}
				return
			}
		}
	}
}

func (s *Session) dispatch(msg Message) {
	s.mu.Lock()
	handlers := append([]Handler(nil), s.subs[msg.Topic]...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(msg.Topic, msg.Payload)
	}
}

// Package messaging provides the NATS client used to mirror room broadcasts
// across realtime server instances. Each server publishes the events it
// originates and relays inbound events to its local sockets; an origin tag in
// the wire frame keeps a server from re-delivering its own publications.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns.
const (
	SubjectRoom    = "rt.room"    // + .<chatID>
	SubjectUser    = "rt.user"    // + .<userID>
	SubjectMonitor = "rt.monitor" // monitoring dashboards, all instances
	SubjectStatus  = "rt.status"  // presence transitions, all instances
)

// Frame is the cross-instance broadcast envelope. Origin names the
// publishing server so subscribers can skip their own frames.
type Frame struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

// Client wraps the NATS connection with helper methods for the realtime
// fan-out subjects.
type Client struct {
	conn   *nats.Conn
	origin string

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name, also used as the origin tag
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "rtcserver",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn:   nc,
		origin: config.Name,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Origin returns this client's origin tag.
func (c *Client) Origin() string {
	return c.origin
}

// publish wraps data in an origin-tagged frame and sends it.
func (c *Client) publish(subject string, data []byte) error {
	frame, err := json.Marshal(Frame{Origin: c.origin, Data: data})
	if err != nil {
		return fmt.Errorf("nats marshal frame: %w", err)
	}
	return c.conn.Publish(subject, frame)
}

// subscribe registers a handler that unwraps frames and drops the ones this
// instance published itself.
func (c *Client) subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var frame Frame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			log.Printf("[nats] bad frame on %s: %v", msg.Subject, err)
			return
		}
		if frame.Origin == c.origin {
			return
		}
		handler(frame.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// PublishRoom publishes a room event to rt.room.<chatID>.
func (c *Client) PublishRoom(chatID string, data []byte) error {
	return c.publish(SubjectRoom+"."+chatID, data)
}

// SubscribeRooms subscribes to every room subject. The handler receives the
// chat id parsed from the subject and the unwrapped event bytes.
func (c *Client) SubscribeRooms(handler func(chatID string, data []byte)) error {
	subject := SubjectRoom + ".*"
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var frame Frame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			log.Printf("[nats] bad frame on %s: %v", msg.Subject, err)
			return
		}
		if frame.Origin == c.origin {
			return
		}
		handler(msg.Subject[len(SubjectRoom)+1:], frame.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// PublishUser publishes a user-directed event to rt.user.<userID>.
func (c *Client) PublishUser(userID string, data []byte) error {
	return c.publish(SubjectUser+"."+userID, data)
}

// SubscribeUsers subscribes to every user subject. The handler receives the
// user id parsed from the subject and the unwrapped event bytes.
func (c *Client) SubscribeUsers(handler func(userID string, data []byte)) error {
	subject := SubjectUser + ".*"
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var frame Frame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			log.Printf("[nats] bad frame on %s: %v", msg.Subject, err)
			return
		}
		if frame.Origin == c.origin {
			return
		}
		handler(msg.Subject[len(SubjectUser)+1:], frame.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// PublishMonitor publishes a monitoring event to rt.monitor.
func (c *Client) PublishMonitor(data []byte) error {
	return c.publish(SubjectMonitor, data)
}

// SubscribeMonitor subscribes to monitoring events from other instances.
func (c *Client) SubscribeMonitor(handler func(data []byte)) error {
	return c.subscribe(SubjectMonitor, handler)
}

// PublishStatus publishes a presence transition to rt.status.
func (c *Client) PublishStatus(data []byte) error {
	return c.publish(SubjectStatus, data)
}

// SubscribeStatus subscribes to presence transitions from other instances.
func (c *Client) SubscribeStatus(handler func(data []byte)) error {
	return c.subscribe(SubjectStatus, handler)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

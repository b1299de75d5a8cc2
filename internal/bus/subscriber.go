package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/fleetbus/fleetbus/internal/envelope"
)

// Dial retry schedule for the agent-side endpoints. ZeroMQ lets clients
// connect before the master binds; plain TCP needs the retry spelled out.
const (
	dialAttempts = 20
	dialBackoff  = 250 * time.Millisecond
)

// dial connects to addr, retrying with a fixed backoff until the master's
// listener is up, the attempts run out, or ctx is cancelled.
func dial(ctx context.Context, addr string) (net.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < dialAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(dialBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		dialer := net.Dialer{}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed to connect to %s: %w", addr, lastErr)
}

// Subscriber is the agent-side end of the broadcast channel. After Connect
// it exposes the incoming request stream as a channel that closes when the
// connection is lost.
type Subscriber struct {
	addr  string
	debug bool

	conn     net.Conn
	requests chan *envelope.Request
}

// NewSubscriber creates a subscriber for the master's publish address.
func NewSubscriber(addr string, debug bool) *Subscriber {
	return &Subscriber{
		addr:     addr,
		debug:    debug,
		requests: make(chan *envelope.Request, replyBufferSize),
	}
}

// Connect dials the publish endpoint and starts decoding broadcasts into
// the request channel.
func (s *Subscriber) Connect(ctx context.Context) error {
	conn, err := dial(ctx, s.addr)
	if err != nil {
		return err
	}
	s.conn = conn

	if s.debug {
		log.Printf("Bus: subscribed to %s", s.addr)
	}

	go s.listen()
	return nil
}

// listen decodes request envelopes until the connection drops, then closes
// the request channel so the agent loop can exit.
func (s *Subscriber) listen() {
	defer close(s.requests)

	decoder := json.NewDecoder(s.conn)
	for {
		var req envelope.Request
		if err := decoder.Decode(&req); err != nil {
			if s.debug {
				log.Printf("Bus: subscribe stream ended: %v", err)
			}
			return
		}
		s.requests <- &req
	}
}

// Requests returns the stream of broadcast requests. The channel closes
// when the master connection is lost.
func (s *Subscriber) Requests() <-chan *envelope.Request {
	return s.requests
}

// Close drops the connection; the request channel closes shortly after.
func (s *Subscriber) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

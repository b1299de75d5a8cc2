package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/fleetbus/fleetbus/internal/envelope"
)

// Pusher is the agent-side end of the collector channel: a single outgoing
// connection on which the agent appends one JSON reply per handled request.
//
// Thread safety: Send is serialized by a mutex, although the agent's
// sequential dispatch loop is the only caller in practice.
type Pusher struct {
	addr  string
	debug bool

	conn    net.Conn
	encoder *json.Encoder
	mux     sync.Mutex
}

// NewPusher creates a pusher for the master's pull address.
func NewPusher(addr string, debug bool) *Pusher {
	return &Pusher{addr: addr, debug: debug}
}

// Connect dials the pull endpoint with the shared retry schedule.
func (p *Pusher) Connect(ctx context.Context) error {
	conn, err := dial(ctx, p.addr)
	if err != nil {
		return err
	}
	p.conn = conn
	p.encoder = json.NewEncoder(conn)

	if p.debug {
		log.Printf("Bus: pushing to %s", p.addr)
	}
	return nil
}

// Send appends one reply envelope to the collector stream.
func (p *Pusher) Send(reply *envelope.Reply) error {
	p.mux.Lock()
	defer p.mux.Unlock()

	if p.conn == nil {
		return fmt.Errorf("not connected to %s", p.addr)
	}
	if err := p.encoder.Encode(reply); err != nil {
		return fmt.Errorf("failed to push reply: %w", err)
	}
	return nil
}

// Close drops the connection.
func (p *Pusher) Close() error {
	p.mux.Lock()
	defer p.mux.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

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

// replyBufferSize bounds how many undrained replies the collector holds
// before agent pushes start blocking on the TCP stream itself.
const replyBufferSize = 100

// Puller is the master-side collector endpoint. Agents connect and push
// reply envelopes; every decoded reply lands in one shared queue that the
// collect engine drains through Poll and Recv.
//
// Poll and Recv form a peek/take pair and are not safe for concurrent use:
// the collect engine owns the collector for the duration of one call window
// and serializes access itself.
type Puller struct {
	addr  string
	debug bool

	listener net.Listener
	replies  chan *envelope.Reply

	// pending holds a reply that Poll observed but Recv has not taken yet.
	pending *envelope.Reply
}

// NewPuller creates a collector endpoint bound to addr (e.g. ":1235").
func NewPuller(addr string, debug bool) *Puller {
	return &Puller{
		addr:    addr,
		debug:   debug,
		replies: make(chan *envelope.Reply, replyBufferSize),
	}
}

// Start binds the listener and begins accepting pusher connections in the
// background. A bind failure is returned synchronously; the listener closes
// when ctx is cancelled.
func (p *Puller) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.addr, err)
	}
	p.listener = listener

	if p.debug {
		log.Printf("Bus: puller listening on %s", listener.Addr())
	}

	go func() {
		<-ctx.Done()
		p.listener.Close()
	}()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("Bus: puller accept error: %v", err)
				continue
			}
			go p.handlePusher(ctx, conn)
		}
	}()

	return nil
}

// Addr returns the bound listener address, useful when addr was ":0".
func (p *Puller) Addr() string {
	if p.listener == nil {
		return p.addr
	}
	return p.listener.Addr().String()
}

// handlePusher decodes reply envelopes from one agent connection into the
// shared queue until the agent disconnects or the context ends.
func (p *Puller) handlePusher(ctx context.Context, netConn net.Conn) {
	defer netConn.Close()

	if p.debug {
		log.Printf("Bus: pusher connected from %s", netConn.RemoteAddr())
	}

	decoder := json.NewDecoder(netConn)
	for {
		var reply envelope.Reply
		if err := decoder.Decode(&reply); err != nil {
			if p.debug {
				log.Printf("Bus: pusher %s disconnected: %v", netConn.RemoteAddr(), err)
			}
			return
		}
		select {
		case p.replies <- &reply:
		case <-ctx.Done():
			return
		}
	}
}

// Poll reports whether at least one reply is available within the budget.
// A reply observed by Poll is parked and returned by the next Recv, so
// Poll-then-Recv never loses a message.
func (p *Puller) Poll(budget time.Duration) bool {
	if p.pending != nil {
		return true
	}
	if budget <= 0 {
		select {
		case reply := <-p.replies:
			p.pending = reply
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case reply := <-p.replies:
		p.pending = reply
		return true
	case <-timer.C:
		return false
	}
}

// Recv takes the parked reply from a previous Poll, or the next immediately
// available reply. It never blocks.
func (p *Puller) Recv() (*envelope.Reply, bool) {
	if p.pending != nil {
		reply := p.pending
		p.pending = nil
		return reply, true
	}
	select {
	case reply := <-p.replies:
		return reply, true
	default:
		return nil, false
	}
}

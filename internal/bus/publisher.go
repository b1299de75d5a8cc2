// Package bus implements the message transport between the master and its
// agents. It provides two independent channels with ZeroMQ-like semantics
// over plain TCP and newline-delimited JSON:
//
//   - a broadcast channel: the master binds a Publisher that fans every
//     request out to all currently connected Subscribers, best effort;
//   - a collector channel: the master binds a Puller that fans replies in
//     from any number of agent-side Pushers, each reply read exactly once.
//
// Delivery on the broadcast channel is lossy by design: a request published
// before an agent connects is never seen by that agent, and a subscriber
// whose connection fails is silently evicted. The collector channel buffers
// replies until the master drains them.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// Publisher is the master-side broadcast endpoint. It listens for subscriber
// connections and writes every published message to each of them.
//
// Thread safety: Publish may be called concurrently; writes to a single
// subscriber are serialized by a per-connection mutex.
type Publisher struct {
	addr  string
	debug bool

	listener net.Listener

	subs    map[string]*subscriberConn
	subsMux sync.RWMutex
}

// subscriberConn is one connected agent on the broadcast channel. Agents
// never send data on this connection; the read side exists only to detect
// disconnects.
type subscriberConn struct {
	id   string
	conn net.Conn
	mux  sync.Mutex
}

// NewPublisher creates a broadcast endpoint bound to addr (e.g. ":1234").
func NewPublisher(addr string, debug bool) *Publisher {
	return &Publisher{
		addr:  addr,
		debug: debug,
		subs:  make(map[string]*subscriberConn),
	}
}

// Start binds the listener and begins accepting subscribers in the
// background. A bind failure is returned synchronously so the caller can
// treat it as fatal; accept errors after that are logged and skipped. The
// listener closes when ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.addr, err)
	}
	p.listener = listener

	if p.debug {
		log.Printf("Bus: publisher listening on %s", listener.Addr())
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
				log.Printf("Bus: publisher accept error: %v", err)
				continue
			}
			go p.handleSubscriber(conn)
		}
	}()

	return nil
}

// Addr returns the bound listener address, useful when addr was ":0".
func (p *Publisher) Addr() string {
	if p.listener == nil {
		return p.addr
	}
	return p.listener.Addr().String()
}

// handleSubscriber registers one agent connection and blocks draining its
// read side until the agent disconnects.
func (p *Publisher) handleSubscriber(netConn net.Conn) {
	defer netConn.Close()

	sub := &subscriberConn{
		id:   fmt.Sprintf("sub_%d", time.Now().UnixNano()),
		conn: netConn,
	}

	p.subsMux.Lock()
	p.subs[sub.id] = sub
	p.subsMux.Unlock()

	defer func() {
		p.subsMux.Lock()
		delete(p.subs, sub.id)
		p.subsMux.Unlock()
	}()

	if p.debug {
		log.Printf("Bus: subscriber %s connected from %s", sub.id, netConn.RemoteAddr())
	}

	// Agents do not speak on the broadcast channel. Drain until EOF so the
	// deferred cleanup runs as soon as the peer goes away.
	buf := make([]byte, 256)
	for {
		if _, err := netConn.Read(buf); err != nil {
			if p.debug {
				log.Printf("Bus: subscriber %s disconnected: %v", sub.id, err)
			}
			return
		}
	}
}

// Publish broadcasts one message to every connected subscriber. The message
// is marshaled once; a write failure evicts that subscriber and delivery
// continues with the rest, so only a marshaling failure is reported to the
// caller.
func (p *Publisher) Publish(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast message: %w", err)
	}
	data = append(data, '\n')

	p.subsMux.RLock()
	subs := make([]*subscriberConn, 0, len(p.subs))
	for _, sub := range p.subs {
		subs = append(subs, sub)
	}
	p.subsMux.RUnlock()

	for _, sub := range subs {
		sub.mux.Lock()
		_, err := sub.conn.Write(data)
		sub.mux.Unlock()
		if err != nil {
			if p.debug {
				log.Printf("Bus: dropping subscriber %s: %v", sub.id, err)
			}
			sub.conn.Close()
			p.subsMux.Lock()
			delete(p.subs, sub.id)
			p.subsMux.Unlock()
		}
	}

	if p.debug {
		log.Printf("Bus: published to %d subscribers", len(subs))
	}
	return nil
}

// SubscriberCount reports how many agents are currently connected.
func (p *Publisher) SubscriberCount() int {
	p.subsMux.RLock()
	defer p.subsMux.RUnlock()
	return len(p.subs)
}

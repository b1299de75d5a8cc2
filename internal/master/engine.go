// Package master implements the coordinator side of the fleet bus: the
// broadcast/collect engine that correlates a published request with its
// returning reply stream, and the HTTP front operators talk to.
//
// The engine is the master's single synchronization point. Each
// send-and-collect call owns the publisher and the collector for its whole
// window; concurrent HTTP workers take turns. Everything else (config
// defaults, missed buffer, last correlation id) is per HTTP connection and
// never shared.
package master

import (
	"encoding/json"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetbus/fleetbus/internal/envelope"
)

// Config is the per-call collection policy: a timeout window in
// milliseconds and a reply quorum. Agents is an upper bound, not a demand;
// +Inf means "drain the whole window".
type Config struct {
	Timeout float64
	Agents  float64
}

// DefaultConfig is the per-connection starting policy.
func DefaultConfig() Config {
	return Config{Timeout: 1000, Agents: math.Inf(1)}
}

// MarshalJSON spells an infinite quorum as the string "inf", since JSON has
// no Infinity literal.
func (c Config) MarshalJSON() ([]byte, error) {
	obj := map[string]any{"timeout": c.Timeout}
	if math.IsInf(c.Agents, 1) {
		obj["agents"] = "inf"
	} else {
		obj["agents"] = c.Agents
	}
	return json.Marshal(obj)
}

// MissedBuffer files replies that arrived while some other request was
// being collected, keyed by their own correlation id. Each buffer belongs
// to exactly one HTTP connection.
type MissedBuffer map[string][]*envelope.Reply

// NewMissedBuffer creates an empty buffer.
func NewMissedBuffer() MissedBuffer {
	return make(MissedBuffer)
}

// Take removes and returns the buffered replies for one correlation id.
// An empty id (collect-everything drains) never matches.
func (m MissedBuffer) Take(reqID string) []*envelope.Reply {
	if reqID == "" {
		return nil
	}
	replies, ok := m[reqID]
	if !ok {
		return nil
	}
	delete(m, reqID)
	return replies
}

// Add files one reply under its own correlation id.
func (m MissedBuffer) Add(reply *envelope.Reply) {
	m[reply.Req] = append(m[reply.Req], reply)
}

// Clear drops everything.
func (m MissedBuffer) Clear() {
	for k := range m {
		delete(m, k)
	}
}

// Broadcaster is the engine's view of the broadcast channel.
type Broadcaster interface {
	Publish(v any) error
}

// Collector is the engine's view of the collector channel: a bounded-wait
// availability check and a non-blocking receive, used as a peek/take pair.
type Collector interface {
	Poll(budget time.Duration) bool
	Recv() (*envelope.Reply, bool)
}

// Engine correlates broadcasts with their reply streams under a
// (timeout, quorum) policy.
type Engine struct {
	pub   Broadcaster
	pull  Collector
	debug bool

	// mux serializes collector ownership across HTTP workers.
	mux sync.Mutex
}

// NewEngine wires the engine to its transport endpoints.
func NewEngine(pub Broadcaster, pull Collector, debug bool) *Engine {
	return &Engine{pub: pub, pull: pull, debug: debug}
}

// SendAndCollect mints a correlation id, publishes the request and collects
// replies for it. The stamped id is left on the request so the caller can
// remember it for later polls. Returned replies all carry the minted id;
// anything else seen during the window lands in missed.
func (e *Engine) SendAndCollect(req *envelope.Request, cfg Config, missed MissedBuffer) ([]*envelope.Reply, error) {
	if req.Req == "" {
		req.Req = uuid.New().String()
	}

	e.mux.Lock()
	defer e.mux.Unlock()

	if err := e.pub.Publish(req); err != nil {
		return nil, err
	}
	if e.debug {
		log.Printf("Engine: broadcast %s (req %s)", req.Action, req.Req)
	}
	return e.collect(req.Req, cfg, missed), nil
}

// Collect gathers replies for an already-broadcast correlation id without
// publishing anything. An empty id files every reply seen during the window
// into missed, which is how the missed drain works.
func (e *Engine) Collect(reqID string, cfg Config, missed MissedBuffer) []*envelope.Reply {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.collect(reqID, cfg, missed)
}

// collect is the core loop. The wall clock is read once at start and again
// after each receive; the poll budget is always the remaining window, so
// the call never overruns the timeout by more than one poll granularity.
func (e *Engine) collect(reqID string, cfg Config, missed MissedBuffer) []*envelope.Reply {
	start := time.Now()
	queue := make([]*envelope.Reply, 0)
	queue = append(queue, missed.Take(reqID)...)

	left := cfg.Timeout
	for left > 0 && float64(len(queue)) < cfg.Agents && e.pull.Poll(msToDuration(left)) {
		reply, ok := e.pull.Recv()
		if !ok {
			break
		}
		if reply.Req != reqID {
			missed.Add(reply)
		} else {
			queue = append(queue, reply)
		}
		left = cfg.Timeout - float64(time.Since(start))/float64(time.Millisecond)
	}

	if e.debug {
		log.Printf("Engine: collected %d replies for req %q", len(queue), reqID)
	}
	return queue
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// Package agent implements the worker side of the fleet bus: a sequential
// dispatch loop that receives broadcast requests, routes each to a named
// handler and pushes exactly one reply per handled request.
//
// Dispatch is deliberately single-threaded: the next request is read only
// after the current reply has been sent, which is the agent's ordering
// contract. The only concurrency is the detached command executor, whose
// child process and exit-code waiter run alongside the loop.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/fleetbus/fleetbus/internal/bus"
	"github.com/fleetbus/fleetbus/internal/envelope"
)

// HandlerFunc processes one request by filling in the reply skeleton. A
// returned error becomes the reply's error field; the reply is sent either
// way.
type HandlerFunc func(req *envelope.Request, reply *envelope.Reply) error

// Agent subscribes to the master's broadcast channel and answers on the
// collector channel. It owns at most one detached command executor at a
// time; tail and check operate on that slot.
type Agent struct {
	id    string
	debug bool

	sub  *bus.Subscriber
	push *bus.Pusher

	handlers map[string]HandlerFunc
	executor *Executor
}

// New creates an agent with the built-in handler table. An empty id mints a
// fresh UUID, so identity is stable for the process lifetime but unique
// across unnamed agents.
func New(id string, sub *bus.Subscriber, push *bus.Pusher, debug bool) *Agent {
	if id == "" {
		id = uuid.New().String()
	}
	a := &Agent{
		id:    id,
		debug: debug,
		sub:   sub,
		push:  push,
	}
	a.handlers = map[string]HandlerFunc{
		"ping":    a.doPing,
		"command": a.doCommand,
		"tail":    a.doTail,
		"check":   a.doCheck,
	}
	return a
}

// ID returns the agent's identity as used for target filtering.
func (a *Agent) ID() string {
	return a.id
}

// Run processes broadcasts until the context ends or the transport fails.
// Losing the broadcast stream is an error; pub/sub loss of individual
// messages is not observable here and is expected.
func (a *Agent) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req, ok := <-a.sub.Requests():
			if !ok {
				return errors.New("broadcast stream closed")
			}
			reply := a.Handle(req)
			if reply == nil {
				continue
			}
			if err := a.push.Send(reply); err != nil {
				return fmt.Errorf("failed to send reply: %w", err)
			}
		}
	}
}

// Handle dispatches one request and returns the reply to push, or nil when
// the request's target excludes this agent. Handler failures and unknown
// actions surface as the reply's error field, never as a dropped reply.
func (a *Agent) Handle(req *envelope.Request) *envelope.Reply {
	if !req.Target.Matches(a.id) {
		if a.debug {
			log.Printf("Agent %s: ignoring request %s for %v", a.id, req.Req, req.Target)
		}
		return nil
	}

	reply := envelope.NewReply(req.Req, a.id)

	handler, ok := a.handlers[req.Action]
	if !ok {
		action := req.Action
		if action == "" {
			action = "unspecified"
		}
		reply.Error = fmt.Sprintf("Action '%s' unknown.", action)
		return reply
	}

	if a.debug {
		log.Printf("Agent %s: handling %s (req %s)", a.id, req.Action, req.Req)
	}
	if err := handler(req, reply); err != nil {
		reply.Error = err.Error()
	}
	return reply
}

// doPing answers with the current UTC time.
func (a *Agent) doPing(req *envelope.Request, reply *envelope.Reply) error {
	reply.Time = time.Now().UTC().Format(time.RFC3339Nano)
	return nil
}

// doCommand starts a child process. A synchronous command runs to completion
// inside the handler; a detached one occupies the agent's single executor
// slot until check clears it.
func (a *Agent) doCommand(req *envelope.Request, reply *envelope.Reply) error {
	if a.executor != nil {
		return errors.New("A command is already being executed.")
	}
	executor, err := runCommand(req, reply)
	if err != nil {
		return err
	}
	if executor != nil {
		a.executor = executor
	}
	return nil
}

// doTail reads new bytes from the detached executor's spool readers.
func (a *Agent) doTail(req *envelope.Request, reply *envelope.Reply) error {
	if a.executor == nil || !a.executor.HasReaders() {
		return errors.New("No executor or pipes.")
	}
	size, err := req.Int("size", -1)
	if err != nil {
		return err
	}
	return a.executor.Tail(size, reply)
}

// doCheck reports the detached child's exit status; with wait or clear it
// joins the waiter first, and with clear it also releases the slot.
func (a *Agent) doCheck(req *envelope.Request, reply *envelope.Reply) error {
	if a.executor == nil {
		return errors.New("No executor.")
	}

	wait := req.Truthy("wait")
	clear := req.Truthy("clear")
	if wait || clear {
		a.executor.Wait()
	}

	code := a.executor.ExitCode()
	reply.ExitCode = &code

	if clear {
		a.executor.Clear()
		a.executor = nil
	}
	return nil
}

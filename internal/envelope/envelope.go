// Package envelope provides the wire format shared by the master and its agents.
//
// Every message on the bus is a single flat JSON object. Requests carry a
// correlation id, an action name, an optional agent selector and a bag of
// action-specific fields. Replies carry the echoed correlation id, the
// replying agent's id and a closed set of result fields.
//
// Because operator input reaches the bus through HTTP query strings and form
// bodies, request field values are loosely typed (strings, string lists, or
// plain JSON values) and handlers read them through the accessor helpers on
// Request rather than through type assertions.
package envelope

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Reserved request keys that are not action fields.
const (
	keyReq    = "req"
	keyAction = "action"
	keyTarget = "target"
)

// Target selects which agents handle a request. It unmarshals from either a
// single JSON string or an array of strings. An empty target addresses every
// agent; a non-empty target matches by exact id membership only.
type Target []string

// Matches reports whether an agent with the given id is addressed.
func (t Target) Matches(agentID string) bool {
	if len(t) == 0 {
		return true
	}
	for _, id := range t {
		if id == agentID {
			return true
		}
	}
	return false
}

// MarshalJSON keeps the compact form for single-agent targets.
func (t Target) MarshalJSON() ([]byte, error) {
	if len(t) == 1 {
		return json.Marshal(t[0])
	}
	return json.Marshal([]string(t))
}

func (t *Target) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*t = Target{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("target must be a string or an array of strings")
	}
	*t = Target(many)
	return nil
}

// Request is the broadcast envelope sent from the master to every subscribed
// agent. Req is minted by the collect engine immediately before publishing;
// Fields holds the action-specific values merged from the operator's URL
// query and request body.
type Request struct {
	Req    string
	Action string
	Target Target
	Fields map[string]any
}

// NewRequest creates a request for the given action. The correlation id is
// left empty; the engine stamps it at broadcast time.
func NewRequest(action string, fields map[string]any) *Request {
	if fields == nil {
		fields = make(map[string]any)
	}
	return &Request{Action: action, Fields: fields}
}

// MarshalJSON flattens the request into a single JSON object: the reserved
// keys plus every action field at top level.
func (r Request) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(r.Fields)+3)
	for k, v := range r.Fields {
		obj[k] = v
	}
	obj[keyReq] = r.Req
	obj[keyAction] = r.Action
	delete(obj, keyTarget)
	if len(r.Target) > 0 {
		obj[keyTarget] = r.Target
	}
	return json.Marshal(obj)
}

// UnmarshalJSON splits the reserved keys out of the flat wire object and
// keeps everything else as action fields.
func (r *Request) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*r = Request{Fields: make(map[string]any, len(obj))}
	for k, raw := range obj {
		switch k {
		case keyReq:
			if err := json.Unmarshal(raw, &r.Req); err != nil {
				return fmt.Errorf("invalid req: %w", err)
			}
		case keyAction:
			if err := json.Unmarshal(raw, &r.Action); err != nil {
				return fmt.Errorf("invalid action: %w", err)
			}
		case keyTarget:
			if err := json.Unmarshal(raw, &r.Target); err != nil {
				return err
			}
		default:
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("invalid field %q: %w", k, err)
			}
			r.Fields[k] = v
		}
	}
	return nil
}

// String returns the named field rendered as a string, or "" when absent.
func (r *Request) String(key string) string {
	v, ok := r.Fields[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case []string:
		if len(s) > 0 {
			return s[0]
		}
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Strings returns the named field as a list of strings. Scalar values are
// promoted to a single-element list so `path=ls` and `path=ls&path=-l` both
// work from a query string.
func (r *Request) Strings(key string) []string {
	v, ok := r.Fields[key]
	if !ok || v == nil {
		return nil
	}
	switch s := v.(type) {
	case []string:
		return s
	case string:
		return []string{s}
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	default:
		return []string{fmt.Sprintf("%v", v)}
	}
}

// Truthy reports whether the named field is present and set. Absent fields,
// false booleans, zero numbers and the strings "", "0", "false" and "no"
// count as unset.
func (r *Request) Truthy(key string) bool {
	v, ok := r.Fields[key]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		switch strings.ToLower(t) {
		case "", "0", "false", "no":
			return false
		}
		return true
	case []string:
		return len(t) > 0
	case []any:
		return len(t) > 0
	default:
		return true
	}
}

// Int returns the named field parsed as an integer, or def when the field is
// absent. Numeric strings are accepted.
func (r *Request) Int(key string, def int) (int, error) {
	v, ok := r.Fields[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case string:
		parsed, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("field %q is not an integer: %q", key, n)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("field %q is not an integer", key)
	}
}

// ExitCode is a nullable process exit status. Check replies report it as
// JSON null until the child has terminated.
type ExitCode struct {
	Code   int
	Exited bool
}

func (c ExitCode) MarshalJSON() ([]byte, error) {
	if !c.Exited {
		return []byte("null"), nil
	}
	return json.Marshal(c.Code)
}

func (c *ExitCode) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = ExitCode{}
		return nil
	}
	c.Exited = true
	return json.Unmarshal(data, &c.Code)
}

// Reply is the envelope pushed from an agent to the master's collector.
//
// Pointer fields distinguish "absent" from "present but empty": a tail reply
// must report stdout:"" when the reader saw no new bytes, while a ping reply
// omits the key entirely. Replies decoded on the master keep their raw bytes
// and re-serialize verbatim, so the master relays agent output opaquely.
type Reply struct {
	Req   string `json:"req"`
	Agent string `json:"agent"`

	Time         string    `json:"time,omitempty"`
	Stdout       *string   `json:"stdout,omitempty"`
	Stderr       *string   `json:"stderr,omitempty"`
	ExitCode     *ExitCode `json:"exit_code,omitempty"`
	StdoutPath   string    `json:"stdout_fh,omitempty"`
	StderrPath   string    `json:"stderr_fh,omitempty"`
	StdoutRemain *int64    `json:"stdout_remain,omitempty"`
	StderrRemain *int64    `json:"stderr_remain,omitempty"`
	Error        string    `json:"error,omitempty"`

	raw json.RawMessage
}

// NewReply creates the reply skeleton an agent fills in for one request.
func NewReply(reqID, agentID string) *Reply {
	return &Reply{Req: reqID, Agent: agentID}
}

func (r *Reply) UnmarshalJSON(data []byte) error {
	type plain Reply
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = Reply(p)
	r.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (r Reply) MarshalJSON() ([]byte, error) {
	if r.raw != nil {
		return r.raw, nil
	}
	type plain Reply
	return json.Marshal(plain(r))
}

package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/fleetbus/fleetbus/internal/envelope"
)

// maxFormMemory bounds in-memory parsing of multipart bodies.
const maxFormMemory = 10 << 20

// drainConfig is the collection policy for poll and missed drains when the
// operator gives no override.
func drainConfig() Config {
	return Config{Timeout: 10000, Agents: math.Inf(1)}
}

// session is the per-HTTP-connection state: config defaults, the missed
// buffer and the last correlation id minted for this connection. It is
// attached through ConnContext and never shared across operator
// connections.
type session struct {
	mux     sync.Mutex
	config  Config
	missed  MissedBuffer
	lastReq string
}

type sessionKey struct{}

// routeHandler is one entry of the explicit route table.
type routeHandler func(sess *session, w http.ResponseWriter, r *http.Request)

type routeKey struct {
	method, path string
}

// Server is the HTTP front. It translates operator calls into engine
// invocations through a route table built at startup; any POST outside the
// table broadcasts its path as the action name.
type Server struct {
	engine   *Engine
	defaults Config
	debug    bool

	routes map[routeKey]routeHandler
}

// NewServer builds the front with its route table.
func NewServer(engine *Engine, defaults Config, debug bool) *Server {
	s := &Server{
		engine:   engine,
		defaults: defaults,
		debug:    debug,
	}
	s.routes = map[routeKey]routeHandler{
		{http.MethodGet, "/configure"}: s.handleConfigure,
		{http.MethodPut, "/configure"}: s.handleConfigure,
		{http.MethodGet, "/ping"}:      s.handlePing,
		{http.MethodGet, "/poll"}:      s.handlePoll,
		{http.MethodGet, "/missed"}:    s.handleMissed,
		{http.MethodDelete, "/missed"}: s.handleMissed,
	}
	return s
}

// ConnContext attaches fresh per-connection state. Install it on the
// http.Server so each operator connection gets a private missed buffer and
// config defaults.
func (s *Server) ConnContext(ctx context.Context, c net.Conn) context.Context {
	return context.WithValue(ctx, sessionKey{}, s.newSession())
}

func (s *Server) newSession() *session {
	return &session{config: s.defaults, missed: NewMissedBuffer()}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sess, ok := r.Context().Value(sessionKey{}).(*session)
	if !ok {
		// No ConnContext installed (bare handler); state lives for one call.
		sess = s.newSession()
	}

	// Keep-alive serializes requests on one connection already; the lock
	// covers clients that pipeline or misbehave.
	sess.mux.Lock()
	defer sess.mux.Unlock()

	if handler, ok := s.routes[routeKey{r.Method, r.URL.Path}]; ok {
		handler(sess, w, r)
		return
	}
	if r.Method == http.MethodPost {
		s.handleAction(sess, w, r)
		return
	}
	http.NotFound(w, r)
}

// handleConfigure reads or updates the per-connection defaults.
func (s *Server) handleConfigure(sess *session, w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if v := q.Get("timeout"); v != "" {
		f, err := parseNumber(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		sess.config.Timeout = f
	}
	if v := q.Get("agents"); v != "" {
		f, err := parseNumber(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		sess.config.Agents = f
	}
	writeJSON(w, http.StatusOK, sess.config)
}

// handlePing broadcasts a ping with the long drain defaults, query
// overridable.
func (s *Server) handlePing(sess *session, w http.ResponseWriter, r *http.Request) {
	s.broadcast(sess, w, r, drainConfig(), "ping")
}

// handleAction broadcasts the URL path as the action, under the
// connection's configured defaults.
func (s *Server) handleAction(sess *session, w http.ResponseWriter, r *http.Request) {
	action := strings.TrimPrefix(r.URL.Path, "/")
	if action == "" || strings.Contains(action, "/") {
		http.NotFound(w, r)
		return
	}
	s.broadcast(sess, w, r, sess.config, action)
}

// broadcast is the common path behind /ping and POST /<action>: merge the
// operator's fields, split out the control keys, publish and collect.
func (s *Server) broadcast(sess *session, w http.ResponseWriter, r *http.Request, base Config, action string) {
	fields, err := requestFields(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg, target, err := extractControls(fields, base)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	req := envelope.NewRequest(action, fields)
	req.Target = target

	replies, err := s.engine.SendAndCollect(req, cfg, sess.missed)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	sess.lastReq = req.Req

	if s.debug {
		log.Printf("HTTP: %s %s -> %d replies (req %s)", r.Method, r.URL.Path, len(replies), req.Req)
	}
	writeJSON(w, http.StatusOK, replies)
}

// handlePoll collects for an already-broadcast id without publishing. The
// id defaults to the last one minted on this connection.
func (s *Server) handlePoll(sess *session, w http.ResponseWriter, r *http.Request) {
	fields, err := requestFields(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg, _, err := extractControls(fields, drainConfig())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	reqID := sess.lastReq
	if v, ok := fields["req"]; ok {
		reqID = stringValue(v)
	}

	replies := s.engine.Collect(reqID, cfg, sess.missed)
	writeJSON(w, http.StatusOK, replies)
}

// handleMissed drains the collector into the missed buffer and returns the
// buffer; DELETE additionally clears it after responding.
func (s *Server) handleMissed(sess *session, w http.ResponseWriter, r *http.Request) {
	cfg := drainConfig()
	if v := r.URL.Query().Get("timeout"); v != "" {
		f, err := parseNumber(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		cfg.Timeout = f
	}

	s.engine.Collect("", cfg, sess.missed)
	writeJSON(w, http.StatusOK, sess.missed)

	if r.Method == http.MethodDelete {
		sess.missed.Clear()
	}
}

// requestFields merges the URL query and the request body into one field
// map. A key present in both is a client error. Bodies may be URL-encoded
// forms, multipart forms, or a flat JSON object.
func requestFields(r *http.Request) (map[string]any, error) {
	body := make(map[string]any)
	ct := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "application/json"):
		var obj map[string]any
		if err := json.NewDecoder(r.Body).Decode(&obj); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("invalid JSON body: %v", err)
		}
		for k, v := range obj {
			body[k] = v
		}
	case strings.HasPrefix(ct, "multipart/form-data"):
		if err := r.ParseMultipartForm(maxFormMemory); err != nil {
			return nil, err
		}
		for k, vs := range r.PostForm {
			body[k] = flatten(vs)
		}
	default:
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		for k, vs := range r.PostForm {
			body[k] = flatten(vs)
		}
	}

	fields := make(map[string]any, len(body)+4)
	for k, v := range body {
		fields[k] = v
	}
	for k, vs := range r.URL.Query() {
		if _, dup := body[k]; dup {
			return nil, errors.New("Duplicate argumets.")
		}
		fields[k] = flatten(vs)
	}
	return fields, nil
}

// flatten keeps single form values as scalars so they look the same as
// JSON-body strings to the field accessors.
func flatten(vs []string) any {
	if len(vs) == 1 {
		return vs[0]
	}
	return vs
}

// extractControls pulls the collection policy overrides and the agent
// selector out of the merged fields; what remains is broadcast verbatim.
func extractControls(fields map[string]any, cfg Config) (Config, envelope.Target, error) {
	if v, ok := fields["timeout"]; ok {
		f, err := numberValue("timeout", v)
		if err != nil {
			return cfg, nil, err
		}
		cfg.Timeout = f
		delete(fields, "timeout")
	}
	if v, ok := fields["agents"]; ok {
		f, err := numberValue("agents", v)
		if err != nil {
			return cfg, nil, err
		}
		cfg.Agents = f
		delete(fields, "agents")
	}

	var target envelope.Target
	if v, ok := fields["target"]; ok {
		target = envelope.Target(stringValues(v))
		delete(fields, "target")
	}
	return cfg, target, nil
}

// parseNumber accepts plain numbers plus the ParseFloat infinity
// spellings ("inf", "+Inf", "Infinity").
func parseNumber(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return f, nil
}

func numberValue(key string, v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case string:
		f, err := parseNumber(n)
		if err != nil {
			return 0, fmt.Errorf("field %q: %w", key, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("field %q is not a number", key)
	}
}

func stringValue(v any) string {
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

func stringValues(v any) []string {
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

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("HTTP: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

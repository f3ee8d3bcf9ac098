package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

var log = slog.Default()

// Handler processes the deserialized arguments of one method. The
// returned value is serialized into the response envelope.
type Handler func(ctx context.Context, data json.RawMessage) (any, error)

// Server dispatches authenticated envelopes to registered method
// handlers. Methods are addressed by URL path, one POST per call.
type Server struct {
	secret   []byte
	handlers map[string]Handler
}

func NewServer(secret []byte) *Server {
	return &Server{
		secret:   secret,
		handlers: make(map[string]Handler),
	}
}

// Handle registers a method handler. Not safe to call once the server
// is serving.
func (s *Server) Handle(method string, h Handler) {
	s.handlers[method] = h
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	method := r.URL.Path
	if len(method) > 0 && method[0] == '/' {
		method = method[1:]
	}
	handler, ok := s.handlers[method]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown method "+method)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, http.StatusBadRequest, "bad envelope: "+err.Error())
		return
	}

	if err := Verify(s.secret, env, timeNow()); err != nil {
		log.Warn("rejected rpc with bad authentication",
			"method", method, "remote", r.RemoteAddr)
		writeError(w, http.StatusForbidden, "authentication rejected")
		return
	}

	result, err := handler(r.Context(), env.Data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "marshal result: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Response{Result: raw})
}

// Champion archives dominate request sizes; 64 MiB leaves ample room.
const maxRequestBytes = 64 << 20

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{Error: msg})
}

// Unmarshal decodes handler arguments, rejecting unknown fields so that
// a peer speaking a different envelope version fails loudly.
func Unmarshal(data json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(ErrApplication, err)
	}
	return nil
}

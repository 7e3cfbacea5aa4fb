// Package api exposes the node's in-memory structures over HTTP. Most
// handlers read shared state without taking the buffer lock; diagnostic
// readers may observe a momentarily inconsistent snapshot. The peer-list
// snapshot and the mutating endpoints (/submit_transaction, /announce_peer,
// /force_sync) take the buffer lock for their updates.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"time"

	"github.com/julienschmidt/httprouter"
	logger "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

var log = logger.WithFields(logger.Fields{"prefix": "api"})

// Server is the node's HTTP front end.
type Server struct {
	addr string
	srv  *http.Server
	ln   net.Listener
}

// NewServer creates a Server on addr routing to h.
func NewServer(addr string, h *Handler) *Server {
	router := httprouter.New()
	h.register(router)
	s := &Server{addr: addr}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Start binds the port synchronously (so callers know immediately if binding
// fails) then serves requests in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listener's address. Useful when started on ":0".
func (s *Server) Addr() net.Addr {
	if s.ln != nil {
		return s.ln.Addr()
	}
	return nil
}

// Stop gracefully shuts down the HTTP server, waiting up to 5 seconds for
// in-flight requests to complete.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// serialize encodes output per the compress query parameter. With msgpack
// the value is packed as-is; otherwise scalars and lists are wrapped as
// {name: value} while objects pass through unwrapped.
func serialize(output any, name, compress string) ([]byte, string, error) {
	if compress == "msgpack" {
		data, err := msgpack.Marshal(output)
		return data, "application/msgpack", err
	}
	wrapped := output
	if name != "" && !isObject(output) {
		wrapped = map[string]any{name: output}
	}
	data, err := json.Marshal(wrapped)
	return data, "application/json", err
}

func isObject(v any) bool {
	if v == nil {
		return false
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct || t.Kind() == reflect.Map
}

func writeSerialized(w http.ResponseWriter, r *http.Request, name string, output any) {
	compress := r.URL.Query().Get("compress")
	data, contentType, err := serialize(output, name, compress)
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	if _, err := w.Write(data); err != nil {
		log.Errorf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.WriteHeader(code)
	fmt.Fprintf(w, "Error: %s", err)
}

// clientIP extracts the remote host from the request.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

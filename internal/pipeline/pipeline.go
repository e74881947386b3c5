// Package pipeline implements the connection-handling pipeline from
// spec.md §4.6: accept, recover the original destination, sniff the first
// bytes, then either splice non-HTTP traffic verbatim or run the HTTP/1
// handler loop, forwarding each request over a fresh upstream connection.
package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"

	"github.com/neolnax/uaforge/internal/config"
	"github.com/neolnax/uaforge/internal/counters"
	"github.com/neolnax/uaforge/internal/handler"
	"github.com/neolnax/uaforge/internal/logging"
	"github.com/neolnax/uaforge/pkg/tproxy"
)

// httpMethodPrefixes are the uppercase, space-terminated method tokens
// spec.md §4.6 classifies a flow on.
var httpMethodPrefixes = [][]byte{
	[]byte("GET "), []byte("POST "), []byte("HEAD "), []byte("PUT "),
	[]byte("DELETE "), []byte("OPTIONS "), []byte("TRACE "), []byte("CONNECT "), []byte("PATCH "),
}

func looksLikeHTTP(peek []byte) bool {
	for _, prefix := range httpMethodPrefixes {
		if len(peek) >= len(prefix) && string(peek[:len(prefix)]) == string(prefix) {
			return true
		}
	}
	return false
}

// RequestHandler is the slice of *handler.Handler the pipeline needs. An
// interface keeps pipeline independently testable.
type RequestHandler interface {
	ModifyRequest(req *http.Request, dest netip.AddrPort) handler.Outcome
	ReportNonHTTP(dest netip.AddrPort)
}

// Server is the TCP listener and per-connection dispatcher.
type Server struct {
	port      uint16
	handler   RequestHandler
	ctrs      *counters.Counters
	recoverer tproxy.Recoverer
	sem       chan struct{}

	onListen func(net.Addr)
}

// SetOnListen registers a callback invoked once Run's listener is bound,
// letting tests discover the address of an ephemeral (port 0) listener.
func (s *Server) SetOnListen(fn func(net.Addr)) { s.onListen = fn }

// New builds a Server. cfg.ConnLimit is the process-wide concurrent
// connection cap (spec.md §4.6 step 6); a non-positive value falls back
// to 10000.
func New(cfg config.Config, h RequestHandler, ctrs *counters.Counters, recoverer tproxy.Recoverer) *Server {
	limit := cfg.ConnLimit
	if limit <= 0 {
		limit = 10000
	}
	return &Server{
		port:      cfg.Port,
		handler:   h,
		ctrs:      ctrs,
		recoverer: recoverer,
		sem:       make(chan struct{}, limit),
	}
}

// Run listens on the configured port until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("pipeline: listen: %w", err)
	}
	logging.Infof("listening on :%d", s.port)
	if s.onListen != nil {
		s.onListen(ln.Addr())
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pipeline: accept: %w", err)
		}

		tcpConn, ok := conn.(*net.TCPConn)
		if !ok {
			conn.Close()
			continue
		}

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			tcpConn.Close()
			return nil
		}

		go func() {
			defer func() { <-s.sem }()
			s.handleConnection(tcpConn)
		}()
	}
}

func (s *Server) handleConnection(conn *net.TCPConn) {
	s.ctrs.IncActiveConnections()
	defer s.ctrs.DecActiveConnections()
	defer conn.Close()

	dest, err := s.recoverer.OriginalDestination(conn)
	if err != nil {
		logging.Debugf("original destination recovery failed: %v", err)
		return
	}

	br := bufio.NewReader(conn)
	peek, _ := br.Peek(8)

	if looksLikeHTTP(peek) {
		s.serveHTTP(conn, br, dest)
		return
	}

	s.handler.ReportNonHTTP(dest)
	s.splice(conn, br, dest)
}

func (s *Server) splice(client net.Conn, clientReader io.Reader, dest netip.AddrPort) {
	upstream, err := net.Dial("tcp", net.JoinHostPort(dest.Addr().String(), fmtPort(dest.Port())))
	if err != nil {
		logging.Debugf("non-HTTP upstream connect to %s failed: %v", dest, err)
		return
	}
	defer upstream.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(upstream, clientReader)
		if cw, ok := upstream.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		io.Copy(client, upstream)
		if cw, ok := client.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		}
		done <- struct{}{}
	}()
	<-done
	<-done
}

func (s *Server) serveHTTP(client net.Conn, br *bufio.Reader, dest netip.AddrPort) {
	addr := net.JoinHostPort(dest.Addr().String(), fmtPort(dest.Port()))

	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}

		outcome := s.handler.ModifyRequest(req, dest)
		if outcome == handler.Drop {
			req.Body.Close()
			return
		}

		if !s.forward(client, req, addr) {
			return
		}

		if req.Close {
			return
		}
	}
}

// forward opens a fresh upstream connection for this single request (no
// keep-alive pooling, per spec.md §4.6/§9), writes the request, and
// streams the response back to the client. It reports whether the client
// connection should stay open for another request.
func (s *Server) forward(client net.Conn, req *http.Request, addr string) bool {
	upstream, err := net.Dial("tcp", addr)
	if err != nil {
		logging.Debugf("upstream connect to %s failed: %v", addr, err)
		return false
	}
	defer upstream.Close()

	if err := req.Write(upstream); err != nil {
		logging.Debugf("forwarding request to %s failed: %v", addr, err)
		return false
	}

	resp, err := http.ReadResponse(bufio.NewReader(upstream), req)
	if err != nil {
		logging.Debugf("reading response from %s failed: %v", addr, err)
		return false
	}
	defer resp.Body.Close()

	if err := resp.Write(client); err != nil {
		logging.Debugf("writing response to client failed: %v", err)
		return false
	}

	return true
}

func fmtPort(p uint16) string {
	return fmt.Sprintf("%d", p)
}

package pipeline

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/neolnax/uaforge/internal/config"
	"github.com/neolnax/uaforge/internal/counters"
	"github.com/neolnax/uaforge/internal/handler"
)

func newBufReader(r io.Reader) *bufio.Reader { return bufio.NewReader(r) }

func TestLooksLikeHTTP(t *testing.T) {
	cases := []struct {
		name string
		peek []byte
		want bool
	}{
		{"GET", []byte("GET / HT"), true},
		{"POST", []byte("POST /x "), true},
		{"CONNECT", []byte("CONNECT "), true},
		{"lowercase get is not recognized", []byte("get / HT"), false},
		{"random binary", []byte{0x16, 0x03, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00}, false},
		{"too short a peek never matches", []byte("GE"), false},
		{"empty peek", nil, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := looksLikeHTTP(tc.peek); got != tc.want {
				t.Errorf("looksLikeHTTP(%q) = %v, want %v", tc.peek, got, tc.want)
			}
		})
	}
}

// fakeHandler forwards everything and records ModifyRequest calls.
type fakeHandler struct {
	dropAll bool
	calls   int
}

func (f *fakeHandler) ModifyRequest(req *http.Request, dest netip.AddrPort) handler.Outcome {
	f.calls++
	req.Header.Set("User-Agent", "uaforge/1.0")
	if f.dropAll {
		return handler.Drop
	}
	return handler.Forward
}

func (f *fakeHandler) ReportNonHTTP(dest netip.AddrPort) {}

type fixedRecoverer struct{ addr netip.AddrPort }

func (r fixedRecoverer) OriginalDestination(*net.TCPConn) (netip.AddrPort, error) {
	return r.addr, nil
}

func startServer(t *testing.T, h RequestHandler, dest netip.AddrPort) net.Addr {
	t.Helper()
	cfg := config.Config{Port: 0, ConnLimit: 10}
	srv := New(cfg, h, counters.New(), fixedRecoverer{addr: dest})

	addrCh := make(chan net.Addr, 1)
	srv.SetOnListen(func(a net.Addr) { addrCh <- a })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go srv.Run(ctx)

	select {
	case a := <-addrCh:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("server never started listening")
		return nil
	}
}

func upstreamAddr(t *testing.T, ts *httptest.Server) netip.AddrPort {
	t.Helper()
	u, err := net.ResolveTCPAddr("tcp", ts.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	ap, err := netip.ParseAddrPort(u.String())
	if err != nil {
		t.Fatal(err)
	}
	return ap
}

func TestServeHTTPForwardsAndRewritesUserAgent(t *testing.T) {
	var gotUA string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	dest := upstreamAddr(t, upstream)
	h := &fakeHandler{}
	addr := startServer(t, h, dest)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("User-Agent", "curl/8.0")
	req.Write(conn)

	resp, err := http.ReadResponse(newBufReader(conn), req)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if string(body) != "ok" {
		t.Errorf("body = %q, want %q", body, "ok")
	}
	if gotUA != "uaforge/1.0" {
		t.Errorf("upstream saw User-Agent %q, want %q", gotUA, "uaforge/1.0")
	}
	if h.calls != 1 {
		t.Errorf("ModifyRequest called %d times, want 1", h.calls)
	}
}

func TestServeHTTPDropsOnOutcomeDrop(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream should never be contacted when the outcome is Drop")
	}))
	defer upstream.Close()

	dest := upstreamAddr(t, upstream)
	h := &fakeHandler{dropAll: true}
	addr := startServer(t, h, dest)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.Write(conn)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if n != 0 || err == nil {
		t.Errorf("expected the connection to be closed with no response, got n=%d err=%v", n, err)
	}
}

func TestSpliceNonHTTPTraffic(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	echoDone := make(chan struct{})
	go func() {
		defer close(echoDone)
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		io.Copy(c, c)
	}()

	destAddr, err := net.ResolveTCPAddr("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	dest, err := netip.ParseAddrPort(destAddr.String())
	if err != nil {
		t.Fatal(err)
	}

	h := &fakeHandler{}
	addr := startServer(t, h, dest)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	payload := []byte{0x16, 0x03, 0x01, 0x00, 0x2f, 0xff, 0xff, 0xff, 0xab}
	conn.Write(payload)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("reading echoed bytes: %v", err)
	}
	for i := range payload {
		if buf[i] != payload[i] {
			t.Fatalf("splice did not echo payload verbatim: got %v, want %v", buf, payload)
		}
	}
}

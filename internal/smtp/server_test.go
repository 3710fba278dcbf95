package smtp

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

// startServer serves on a random local port until the test ends.
func startServer(t *testing.T, cfg ServerConfig) (*Server, <-chan error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	if cfg.Provider == nil {
		cfg.Provider = &mockProvider{}
	}
	srv := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(cancel)

	return srv, done
}

func dialServer(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("failed to set deadline: %v", err)
	}
	return conn, bufio.NewReader(conn)
}

func waitForAddr(t *testing.T, srv *Server) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := srv.Addr(); addr != "" {
			return addr
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server did not start listening")
	return ""
}

func TestServer_ServeAndShutdown(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	srv := New(ServerConfig{Provider: &mockProvider{}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	conn, reader := dialServer(t, waitForAddr(t, srv))
	if greeting := readLine(t, reader); greeting != "220 localhost ESMTP smtp-smime-proxy" {
		t.Errorf("greeting: got %q", greeting)
	}
	expect(t, conn, reader, "QUIT", "221")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestServer_ConnectionLimit(t *testing.T) {
	t.Parallel()

	srv, _ := startServer(t, ServerConfig{Hostname: "mx.test", MaxConnections: 1})
	addr := waitForAddr(t, srv)

	first, firstReader := dialServer(t, addr)
	if greeting := readLine(t, firstReader); !strings.HasPrefix(greeting, "220 ") {
		t.Fatalf("first greeting: got %q", greeting)
	}

	_, secondReader := dialServer(t, addr)
	if resp := readLine(t, secondReader); !strings.HasPrefix(resp, "421 mx.test ") {
		t.Errorf("second connection: got %q, want prefix '421 mx.test '", resp)
	}

	// Closing the first session frees its slot.
	expect(t, first, firstReader, "QUIT", "221")

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, reader := dialServer(t, addr)
		resp := readLine(t, reader)
		if strings.HasPrefix(resp, "220 ") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("slot was not released, last response %q", resp)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_ListenAndServeBadAddress(t *testing.T) {
	t.Parallel()

	srv := New(ServerConfig{ListenAddr: "127.0.0.1:-1", Provider: &mockProvider{}})
	if err := srv.ListenAndServe(context.Background()); err == nil {
		t.Error("expected error for invalid listen address, got nil")
	}
	if srv.Addr() != "" {
		t.Errorf("Addr(): got %q, want empty", srv.Addr())
	}
}

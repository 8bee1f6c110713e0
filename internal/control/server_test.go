package control

import (
	"context"
	"net"
	"testing"
	"time"

	"spmfabric/internal/logging"
	"spmfabric/internal/model"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find a free address: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func waitForListener(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("listener at %s never came up", addr)
}

func TestClientServerRequestReplyRoundTrip(t *testing.T) {
	router := NewRouter(RouterConfig{}, nil)
	server := NewServer(router, logging.L())
	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go server.Start(ctx, addr)
	waitForListener(t, addr)

	client, err := NewClient(ClientConfig{
		Identity:       "client-a",
		RouterURL:      "ws://" + addr,
		RequestTimeout: time.Second,
		RequestRetries: 2,
	})
	if err != nil {
		t.Fatalf("NewClient() returned error: %v", err)
	}
	defer client.Close()

	reply, err := client.Send(Request{Kind: RequestCtrl, Mode: model.ControlModeManual})
	if err != nil {
		t.Fatalf("Send() returned error: %v", err)
	}
	if reply.Code != Success {
		t.Fatalf("expected SUCCESS, got %v", reply.Code)
	}
}

func TestClientReconnectingIdentityReclaimsLease(t *testing.T) {
	router := NewRouter(RouterConfig{}, nil)
	server := NewServer(router, logging.L())
	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go server.Start(ctx, addr)
	waitForListener(t, addr)

	first, err := NewClient(ClientConfig{Identity: "stable-id", RouterURL: "ws://" + addr, RequestTimeout: time.Second, RequestRetries: 2})
	if err != nil {
		t.Fatalf("NewClient() returned error: %v", err)
	}
	if _, err := first.Send(Request{Kind: RequestCtrl, Mode: model.ControlModeManual}); err != nil {
		t.Fatalf("Send() returned error: %v", err)
	}
	first.Close() // simulate crash: socket dies, lease remains held by "stable-id"

	second, err := NewClient(ClientConfig{Identity: "stable-id", RouterURL: "ws://" + addr, RequestTimeout: time.Second, RequestRetries: 2})
	if err != nil {
		t.Fatalf("NewClient() returned error: %v", err)
	}
	defer second.Close()

	reply, err := second.Send(Request{Kind: RequestCtrl, Mode: model.ControlModeManual})
	if err != nil {
		t.Fatalf("Send() returned error: %v", err)
	}
	if reply.Code != Success {
		t.Fatalf("expected the reconnecting identity to reclaim its lease, got %v", reply.Code)
	}
}

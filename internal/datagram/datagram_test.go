package datagram

import (
	"testing"
	"time"
)

func TestSendReceiveRoundTrip(t *testing.T) {
	server, err := Bind("127.0.0.1:0", 16)
	if err != nil {
		t.Fatalf("Bind server: %v", err)
	}
	defer server.Close()

	client, err := Bind("127.0.0.1:0", 16)
	if err != nil {
		t.Fatalf("Bind client: %v", err)
	}
	defer client.Close()

	msg := []byte("hello")
	if err := client.Send(msg, server.LocalAddr()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case dg := <-server.Inbound():
		if string(dg.Payload) != "hello" {
			t.Errorf("payload = %q, want %q", dg.Payload, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	server, err := Bind("127.0.0.1:0", 1)
	if err != nil {
		t.Fatalf("Bind server: %v", err)
	}
	defer server.Close()

	client, err := Bind("127.0.0.1:0", 16)
	if err != nil {
		t.Fatalf("Bind client: %v", err)
	}
	defer client.Close()

	for i := 0; i < 5; i++ {
		if err := client.Send([]byte{byte(i)}, server.LocalAddr()); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	// Give the reader goroutine time to drain the socket into the queue.
	time.Sleep(200 * time.Millisecond)

	select {
	case dg := <-server.Inbound():
		if len(dg.Payload) != 1 {
			t.Fatalf("unexpected payload length %d", len(dg.Payload))
		}
	default:
		t.Fatal("expected at least one queued datagram")
	}
}

func TestLocalAddr(t *testing.T) {
	s, err := Bind("127.0.0.1:0", 4)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer s.Close()
	if s.LocalAddr().Port == 0 {
		t.Error("expected a non-zero ephemeral port")
	}
}

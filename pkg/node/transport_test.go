package node

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vango-dev/serversync/pkg/transport"
)

func runNode(t *testing.T, n *Node) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestSyncOverWebSocket(t *testing.T) {
	server := newSide(t, Config{Name: "host", Server: true, TickInterval: 5 * time.Millisecond}, "1.0.0", true, 3)
	client := newSide(t, Config{Name: "alice", TickInterval: 5 * time.Millisecond}, "1.0.0", true, 1)
	runNode(t, server.node)
	runNode(t, client.node)

	srv := transport.NewServer(server.node.TransportHandler(), nil, transport.WithLogger(discardLogger()))
	ts := httptest.NewServer(srv.Routes(nil))
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})

	ctx := context.Background()
	if _, err := transport.Dial(ctx, ts.URL+"/sync", "alice", client.node.TransportHandler(), nil,
		transport.WithLogger(discardLogger())); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	read := func() any {
		var v any
		if err := client.node.Do(ctx, func() { v = client.diff.Value() }); err != nil {
			t.Fatalf("Do() error = %v", err)
		}
		return v
	}
	waitFor(t, func() bool { return read() == int32(3) })

	if err := server.node.Do(ctx, func() { server.diff.SetValue(int32(7)) }); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return read() == int32(7) })

	st, err := server.node.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Peers) != 1 || st.Peers[0].Name != "alice" || !st.Peers[0].Verified {
		t.Errorf("server peers = %+v", st.Peers)
	}

	srv.Shutdown()
	waitFor(t, func() bool { return read() == int32(1) })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

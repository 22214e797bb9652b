package session

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roamdex/roamdex/internal/differ"
	"github.com/roamdex/roamdex/internal/doccache"
	"github.com/roamdex/roamdex/internal/fanout"
	"github.com/roamdex/roamdex/internal/orgdoc"
	"github.com/roamdex/roamdex/internal/search"
	"github.com/roamdex/roamdex/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := t.Context()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// fakeConn is an in-memory Conn double: inbound frames are queued in `in`,
// outbound writes are appended to `out`.
type fakeConn struct {
	mu     sync.Mutex
	in     chan []byte
	out    [][]byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.in
	if !ok {
		return 0, nil, io.EOF
	}
	return 1, data, nil
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	cp := append([]byte(nil), data...)
	c.out = append(c.out, cp)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sendClient(t *testing.T, msg Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	c.in <- data
}

func (c *fakeConn) waitForOutbound(t *testing.T, timeout time.Duration, matches func(Message) bool) Message {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		msgs := append([][]byte(nil), c.out...)
		c.mu.Unlock()
		for _, raw := range msgs {
			var m Message
			if json.Unmarshal(raw, &m) == nil && matches(m) {
				return m
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for matching outbound message")
	return Message{}
}

func TestSession_NodeVisitedAndBufferModifiedAreBroadcastOnly(t *testing.T) {
	conn := newFakeConn()
	reg := fanout.New(nil)
	coord := search.New(nil, nil, 90, nil)
	s := New("sess-1", conn, reg, coord, nil, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.NoError(t, PublishNodeVisited(reg, "n1"))
	msg := conn.waitForOutbound(t, 2*time.Second, func(m Message) bool { return m.Type == TypeNodeVisited })
	require.Equal(t, "n1", msg.NodeID)

	require.NoError(t, PublishBufferModified(reg))
	conn.waitForOutbound(t, 2*time.Second, func(m Message) bool { return m.Type == TypeBufferModified })

	cancel()
	<-done
}

func TestSession_InboundNodeVisitedIsRejectedNotHandled(t *testing.T) {
	conn := newFakeConn()
	reg := fanout.New(nil)
	coord := search.New(nil, nil, 90, nil)
	s := New("sess-8", conn, reg, coord, nil, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// node_visited/buffer_modified are server-to-client only; a client
	// sending one is rejected like any other unsupported inbound type, and
	// the session keeps serving subsequent well-formed requests.
	conn.sendClient(t, Message{Type: TypeNodeVisited, NodeID: "n1"})
	conn.sendClient(t, Message{Type: TypeSearchConfigurationRequest})
	conn.waitForOutbound(t, 2*time.Second, func(m Message) bool { return m.Type == TypeSearchConfigurationResponse })

	cancel()
	<-done
}

func TestSession_SearchConfigurationRequest(t *testing.T) {
	conn := newFakeConn()
	reg := fanout.New(nil)
	coord := search.New(nil, nil, 90, nil)
	s := New("sess-2", conn, reg, coord, nil, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	conn.sendClient(t, Message{Type: TypeSearchConfigurationRequest})

	msg := conn.waitForOutbound(t, 2*time.Second, func(m Message) bool { return m.Type == TypeSearchConfigurationResponse })
	require.Len(t, msg.Config, 2)

	cancel()
	<-done
}

func TestSession_PingOnTicker(t *testing.T) {
	conn := newFakeConn()
	reg := fanout.New(nil)
	coord := search.New(nil, nil, 90, nil)
	s := New("sess-3", conn, reg, coord, nil, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	conn.waitForOutbound(t, 2*time.Second, func(m Message) bool { return m.Type == TypePing })

	cancel()
	<-done
}

func TestSession_UnknownMessageTypeIsLoggedAndDoesNotCrash(t *testing.T) {
	conn := newFakeConn()
	reg := fanout.New(nil)
	coord := search.New(nil, nil, 90, nil)
	s := New("sess-4", conn, reg, coord, nil, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	conn.sendClient(t, Message{Type: "not_a_real_type"})
	// session must still be alive and able to process a well-formed message
	conn.sendClient(t, Message{Type: TypeSearchConfigurationRequest})
	conn.waitForOutbound(t, 2*time.Second, func(m Message) bool { return m.Type == TypeSearchConfigurationResponse })

	cancel()
	<-done
}

func TestSession_BroadcastIsForwardedToConnection(t *testing.T) {
	conn := newFakeConn()
	reg := fanout.New(nil)
	coord := search.New(nil, nil, 90, nil)
	s := New("sess-5", conn, reg, coord, nil, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.NoError(t, PublishDelta(reg, differ.Delta{NewNodes: []string{"n1"}}))

	conn.waitForOutbound(t, 2*time.Second, func(m Message) bool { return m.Type == TypeGraphUpdate })

	cancel()
	<-done
}

func TestSession_SearchResponseEchoesRequestID(t *testing.T) {
	conn := newFakeConn()
	reg := fanout.New(nil)
	st := newTestStore(t)
	require.NoError(t, st.UpsertNode(context.Background(), orgdoc.Node{ID: "n1", Title: "Echo Target", File: "a.org"}))
	coord := search.New(st, doccache.New(), 90, nil)
	s := New("sess-7", conn, reg, coord, nil, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	conn.sendClient(t, Message{Type: TypeSearchRequest, Query: "echo", RequestID: "req-42"})

	msg := conn.waitForOutbound(t, 2*time.Second, func(m Message) bool { return m.Type == TypeSearchResponse })
	require.Equal(t, "req-42", msg.RequestID)

	cancel()
	<-done
}

func TestSession_RunStopsOnReadError(t *testing.T) {
	conn := newFakeConn()
	reg := fanout.New(nil)
	coord := search.New(nil, nil, 90, nil)
	s := New("sess-6", conn, reg, coord, nil, time.Second)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	close(conn.in) // simulate connection closed by peer

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the connection closed")
	}
	require.Equal(t, 0, reg.Count(), "the session must unsubscribe on exit")
}

package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roamdex/roamdex/internal/differ"
	"github.com/roamdex/roamdex/internal/fanout"
	"github.com/roamdex/roamdex/internal/rerr"
	"github.com/roamdex/roamdex/internal/search"
)

// Logger is the minimal logging surface a session needs.
type Logger interface {
	Info(msg any, keyvals ...any)
	Warn(msg any, keyvals ...any)
	Error(msg any, keyvals ...any)
}

const (
	defaultPingInterval = 30 * time.Second
	outboxCapacity      = 64
)

// Conn is the transport surface a Session drives; *websocket.Conn satisfies
// it directly, a fake implements it for tests.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session is one connected client: a single-threaded cooperative loop
// multiplexing a broadcast subscription, search results, an inbound reader,
// and a ping ticker onto one websocket connection.
type Session struct {
	id           string
	conn         Conn
	reg          *fanout.Registry
	coord        *search.Coordinator
	log          Logger
	pingInterval time.Duration

	unsubscribe func()
	broadcast   chan []byte
	searchOut   chan search.Result
	inbox       chan Message
	readErr     chan error

	// currentRequestID tags outgoing search_response frames so the client
	// can match results to the request that produced them. Only ever read
	// and written from the Run goroutine, never from readLoop.
	currentRequestID string
}

// New registers a fresh Session with reg and returns it. The caller must
// call Run to drive the session loop. pingInterval of zero uses the spec
// default of 30s.
func New(id string, conn Conn, reg *fanout.Registry, coord *search.Coordinator, log Logger, pingInterval time.Duration) *Session {
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	s := &Session{
		id:           id,
		conn:         conn,
		reg:          reg,
		coord:        coord,
		log:          log,
		pingInterval: pingInterval,
		broadcast:    make(chan []byte, outboxCapacity),
		searchOut:    make(chan search.Result, outboxCapacity),
		inbox:        make(chan Message, outboxCapacity),
		readErr:      make(chan error, 1),
	}
	s.unsubscribe = reg.Subscribe(id, s.broadcast)
	return s
}

// Run drives the session's select loop until ctx is cancelled or the
// connection errors out. It starts one reader goroutine that decodes
// inbound frames into the inbox channel; everything else happens on the
// calling goroutine, matching the spec's single cooperative task per
// connection.
func (s *Session) Run(ctx context.Context) error {
	defer s.unsubscribe()
	defer s.conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.readLoop(ctx)

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	var searchCancel context.CancelFunc
	defer func() {
		if searchCancel != nil {
			searchCancel()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-s.readErr:
			if err != nil && s.log != nil {
				s.log.Info("session connection closed", "session", s.id, "err", err)
			}
			return err

		case msg := <-s.inbox:
			if sc, err := s.handleInbound(ctx, msg); err != nil {
				if s.log != nil {
					s.log.Warn("failed to handle inbound message", "session", s.id, "type", msg.Type, "err", err)
				}
			} else if sc != nil {
				if searchCancel != nil {
					searchCancel()
				}
				searchCancel = sc
			}

		case payload := <-s.broadcast:
			if err := s.writeRaw(payload); err != nil {
				return err
			}

		case r := <-s.searchOut:
			if err := s.writeSearchResult(r); err != nil {
				return err
			}

		case <-ticker.C:
			if err := s.writeJSON(Message{Type: TypePing}); err != nil {
				return err
			}
		}
	}
}

// handleInbound dispatches one decoded client message. For search_request
// it spins up a new coordinator feed and returns the CancelFunc that stops
// it, so Run can cancel a superseded search on the next request;
// search_stop cancels the in-flight search through the coordinator.
func (s *Session) handleInbound(ctx context.Context, msg Message) (context.CancelFunc, error) {
	switch msg.Type {
	case TypePong:
		return nil, nil

	case TypeSearchConfigurationRequest:
		return nil, s.writeJSON(Message{
			Type: TypeSearchConfigurationResponse,
			Config: []ProviderConfig{
				{ProviderID: search.ProviderStructured, Name: "structured"},
				{ProviderID: search.ProviderFuzzy, Name: "fuzzy"},
			},
		})

	case TypeSearchRequest:
		s.coord.Cancel()
		s.currentRequestID = msg.RequestID
		qctx, cancel := context.WithCancel(ctx)
		go func() {
			defer func() {
				if r := recover(); r != nil && s.log != nil {
					s.log.Error("search feed panicked", "session", s.id, "recover", r)
				}
			}()
			s.coord.Feed(qctx, msg.Query, s.searchOut)
		}()
		return cancel, nil

	case TypeSearchStop:
		s.coord.Cancel()
		return nil, nil

	default:
		return nil, rerr.New(rerr.BadRequest, "session.handleInbound", nil)
	}
}

// PublishDelta renders a differ.Delta as a graph_update frame and broadcasts
// it to every connected session, not just this one — callers invoke it from
// the indexer/watcher fanout path, not per-session.
func PublishDelta(reg *fanout.Registry, d differ.Delta) error {
	msg := Message{Type: TypeGraphUpdate}
	msg.NewNodes = d.NewNodes
	msg.UpdatedNodes = d.UpdatedNodes
	msg.RemovedNodes = d.RemovedNodes
	for _, l := range d.NewLinks {
		msg.NewLinks = append(msg.NewLinks, LinkPayload{From: l.From, To: l.To})
	}
	for _, l := range d.RemovedLinks {
		msg.RemovedLinks = append(msg.RemovedLinks, LinkPayload{From: l.From, To: l.To})
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return rerr.New(rerr.BadRequest, "session.PublishDelta", err)
	}
	reg.Broadcast(payload)
	return nil
}

// PublishNodeVisited broadcasts a node_visited frame to every connected
// session. Callers drive this from an editor-integration trigger (the
// embedding binary's HTTP layer, not the session loop itself) whenever the
// outline editor reports that the user navigated to nodeID.
func PublishNodeVisited(reg *fanout.Registry, nodeID string) error {
	payload, err := json.Marshal(Message{Type: TypeNodeVisited, NodeID: nodeID})
	if err != nil {
		return rerr.New(rerr.BadRequest, "session.PublishNodeVisited", err)
	}
	reg.Broadcast(payload)
	return nil
}

// PublishBufferModified broadcasts a buffer_modified frame to every
// connected session, carrying no payload per §6 — it only tells clients an
// open buffer changed on disk outside of roamdex's own reconcile path, so
// they can refresh whatever they're displaying for it.
func PublishBufferModified(reg *fanout.Registry) error {
	payload, err := json.Marshal(Message{Type: TypeBufferModified})
	if err != nil {
		return rerr.New(rerr.BadRequest, "session.PublishBufferModified", err)
	}
	reg.Broadcast(payload)
	return nil
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case s.readErr <- err:
			case <-ctx.Done():
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			if s.log != nil {
				s.log.Warn("dropping malformed inbound frame", "session", s.id, "err", err)
			}
			continue
		}
		select {
		case s.inbox <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) writeJSON(msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return rerr.New(rerr.BadRequest, "session.writeJSON", err)
	}
	return s.writeRaw(payload)
}

func (s *Session) writeSearchResult(r search.Result) error {
	msg := Message{Type: TypeSearchResponse, RequestID: s.currentRequestID, Results: &ResultEntry{
		Provider: r.Provider,
		Title:    r.Title,
		ID:       r.ID,
		Tags:     r.Tags,
	}}
	if r.Preview != nil {
		msg.Results.Preview = &Preview{Text: r.Preview.Text, Start: r.Preview.Start, End: r.Preview.End}
	}
	return s.writeJSON(msg)
}

func (s *Session) writeRaw(payload []byte) error {
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return rerr.New(rerr.IO, "session.writeRaw", err)
	}
	return nil
}

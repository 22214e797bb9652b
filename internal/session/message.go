// Package session implements §4.H: the per-client session — an outbox fed
// by broadcast graph updates, search results, and pings; an inbox of typed
// client messages; and the wire envelope of §6.
package session

// LinkPayload is the id-only shape a graph update carries for a link,
// per the design note that graph-update payloads carry ids only.
type LinkPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ProviderConfig describes one registered search provider, returned by
// search_configuration_response.
type ProviderConfig struct {
	ProviderID int    `json:"provider_id"`
	Name       string `json:"name"`
}

// Preview mirrors search.Preview on the wire. It is encoded as a JSON object
// with "text", "start" and "end" fields, not as a three-element array; a
// result without a preview omits the "preview" field rather than sending null.
type Preview struct {
	Text  string `json:"text"`
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`
}

// ResultEntry is one search result, per §6.
type ResultEntry struct {
	Provider int      `json:"provider"`
	Title    string   `json:"title"`
	ID       string   `json:"id"`
	Tags     []string `json:"tags"`
	Preview  *Preview `json:"preview,omitempty"`
}

// Message is the tagged-union wire envelope: a JSON object with a
// discriminator "type" field and whichever payload fields that tag
// specifies (see the table in §4.H). Unused fields are omitted on the
// wire; incoming messages ignore fields they don't recognize.
type Message struct {
	Type string `json:"type"`

	// status_update (out)
	VisitedNode    string `json:"visited_node,omitempty"`
	PendingChanges int    `json:"pending_changes,omitempty"`

	// graph_update / status_update (out); ids only, per the design notes.
	NewNodes     []string      `json:"new_nodes,omitempty"`
	UpdatedNodes []string      `json:"updated_nodes,omitempty"`
	NewLinks     []LinkPayload `json:"new_links,omitempty"`
	RemovedNodes []string      `json:"removed_nodes,omitempty"`
	RemovedLinks []LinkPayload `json:"removed_links,omitempty"`

	// node_visited (out); broadcast via PublishNodeVisited, never read from
	// an inbound frame.
	NodeID string `json:"node_id,omitempty"`

	// search_configuration_response (out)
	Config []ProviderConfig `json:"config,omitempty"`

	// search_request (in); RequestID is echoed back on every search_response
	// this request produces so the client can match results to requests.
	Query     string `json:"query,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// search_response (out) — one message per result, not a batch.
	Results *ResultEntry `json:"results,omitempty"`
}

const (
	TypePing                        = "ping"
	TypePong                        = "pong"
	TypeStatusUpdate                = "status_update"
	TypeGraphUpdate                 = "graph_update"
	TypeNodeVisited                 = "node_visited"
	TypeBufferModified              = "buffer_modified"
	TypeSearchConfigurationRequest  = "search_configuration_request"
	TypeSearchConfigurationResponse = "search_configuration_response"
	TypeSearchRequest               = "search_request"
	TypeSearchResponse              = "search_response"
	TypeSearchStop                  = "search_stop"
)

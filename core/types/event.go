package types

// Event is the rendered form of an engine event as it is journaled and
// streamed to websocket subscribers. Amounts in Attributes are decimal wei.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

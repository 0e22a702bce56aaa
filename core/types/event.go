package types

// Event is the typed record emitted after a committed state change. Attribute
// values are strings so RPC and websocket consumers need no schema.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Attr returns the named attribute, or "" when absent or e is nil.
func (e *Event) Attr(key string) string {
	if e == nil {
		return ""
	}
	return e.Attributes[key]
}

package types

// Event is the generic payload carried by engine events. Attribute values
// are strings; amounts are rendered in base 10.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

package events

// Type identifies the kind of progress event published for a diagnosis run.
type Type string

const (
	TypeProgress   Type = "progress"
	TypeResult     Type = "result"
	TypeDiscounted Type = "discounted"
	TypeComplete   Type = "complete"
	TypeError      Type = "error"
)

// Terminal reports whether an event of this type ends the stream.
// Per-ingredient errors are not terminal; only complete is, plus run-level
// errors which are published with TypeComplete semantics by the coordinator.
func (t Type) Terminal() bool {
	return t == TypeComplete
}

// Event is one progress/result/completion message for a diagnosis run.
// Payload must be JSON-serializable; subscribers receive it as-is.
type Event struct {
	RunID   string                 `json:"run_id"`
	Type    Type                   `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

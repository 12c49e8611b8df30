package domain

// TimestampLayout renders message timestamps as ISO-8601 UTC with millisecond
// precision, e.g. 2026-02-27T12:00:00.000Z.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// MessageMeta is the closed set of optional fields a message may carry in
// addition to its core fields. Bot messages use it for response metadata.
// Suggestions is always written, so nil and empty lists survive storage as
// they were.
type MessageMeta struct {
	Suggestions []string `json:"suggestions"`
	IsHTML      bool     `json:"isHtml,omitempty"`
	Type        string   `json:"type,omitempty"`
	SessionID   string   `json:"sessionId,omitempty"`
}

// Message is a single entry of the persisted conversation log.
type Message struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	IsUser    bool   `json:"isUser"`
	Timestamp string `json:"timestamp"`
	MessageMeta
}

// Clone returns a deep copy so callers can't reach into the owner's slices.
func (m Message) Clone() Message {
	if m.Suggestions != nil {
		m.Suggestions = append([]string(nil), m.Suggestions...)
	}
	return m
}

// CloneMessages deep-copies a message sequence preserving order.
func CloneMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

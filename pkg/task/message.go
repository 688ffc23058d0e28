package task

// Message is a fabric envelope exchanged over direct, broadcast, or
// coordination channels (§3, §4.D).
type Message struct {
	Type          string `json:"type"`
	Sender        string `json:"sender"`
	Recipient     string `json:"recipient"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ReplyTo       string `json:"reply_to,omitempty"`
	Payload       []byte `json:"payload"`
}

// Handler processes a received Message. Handlers must be idempotent per
// §4.D: delivery is at-most-once but a handler may still observe the same
// logical event twice across a fresh subscription.
type Handler func(msg Message)

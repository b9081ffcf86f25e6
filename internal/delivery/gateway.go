package delivery

import "context"

// UnavailableReason is recorded for every row drained while no relay is
// configured.
const UnavailableReason = "gateway unavailable: email service not configured"

// Message is one campaign email addressed to a single recipient
type Message struct {
	To      string
	Subject string
	HTML    string
}

// Outcome is the result of a single send. Failures are values, not errors.
type Outcome struct {
	OK        bool
	MessageID string
	Error     string
	// Temporary is set for failures the relay reported as transient (4xx)
	Temporary bool
}

func Success(messageID string) Outcome {
	return Outcome{OK: true, MessageID: messageID}
}

func Failure(reason string, temporary bool) Outcome {
	return Outcome{Error: reason, Temporary: temporary}
}

// Gateway sends single messages. Implementations do not retry.
type Gateway interface {
	Send(ctx context.Context, msg Message) Outcome
	// Available reports whether the transport is configured at all
	Available() bool
}

// Unavailable is the gateway used when relay credentials are missing
type Unavailable struct{}

func (Unavailable) Send(context.Context, Message) Outcome {
	return Failure(UnavailableReason, false)
}

func (Unavailable) Available() bool {
	return false
}

package transport

import (
	"context"
	"encoding/json"

	"github.com/rijsilva/smartzap-dispatch/internal/domain"
)

// Payload is the rendered message content for one send. Body is the
// provider-ready JSON for the given message type ("template", "text", ...),
// produced upstream by the template renderer.
type Payload struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// SendOutcome is the three-way result every transport adapter normalizes to.
// Exactly one of the three shapes holds: a provider message ID on success, an
// overload signal, or a classified failure.
type SendOutcome struct {
	ProviderMessageID string
	Overload          bool
	Failure           *domain.ProviderError
}

func (o SendOutcome) Success() bool {
	return o.ProviderMessageID != "" && !o.Overload && o.Failure == nil
}

// Sender delivers one message to one recipient on behalf of a sending
// identity. Implementations must bound their own I/O with the context.
type Sender interface {
	Send(ctx context.Context, identity, recipient string, payload Payload) SendOutcome
}

// Package webhook receives payment gateway notifications, verifies them and
// routes them to the ledger and payout components.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

var ErrSignatureInvalid = errors.New("webhook signature invalid")

// Event is a notification whose signature has been checked. Payload is the
// raw data.object of the gateway event.
type Event struct {
	ID      string
	Type    string
	Account string
	Created time.Time
	Payload json.RawMessage
}

type Verifier struct {
	secret string
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: strings.TrimSpace(secret)}
}

// Verify checks the signature header over the exact payload bytes. An
// unconfigured secret rejects everything.
func (v *Verifier) Verify(payload []byte, header string) (*Event, error) {
	if v.secret == "" {
		return nil, fmt.Errorf("%w: no webhook secret configured", ErrSignatureInvalid)
	}
	if strings.TrimSpace(header) == "" {
		return nil, fmt.Errorf("%w: missing signature header", ErrSignatureInvalid)
	}

	ev, err := webhook.ConstructEventWithOptions(payload, header, v.secret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	out := &Event{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Account: ev.Account,
		Created: time.Unix(ev.Created, 0).UTC(),
	}
	if ev.Data != nil {
		out.Payload = ev.Data.Raw
	}
	return out, nil
}

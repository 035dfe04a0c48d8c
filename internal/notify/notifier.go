package notify

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"lunchbox/internal/registry"
	logx "lunchbox/pkg/logx"
)

// Failure taxonomy. The dispatch poller classifies these with errors.Is to
// record a structured failure reason on the entry; none of them are retried
// inline.
var (
	// ErrTransportUnavailable: credentials absent or the provider rejected
	// the connection before any send was attempted.
	ErrTransportUnavailable = errors.New("mail transport unavailable")
	// ErrDeliveryRejected: the transport accepted the connection but the
	// send call itself errored.
	ErrDeliveryRejected = errors.New("delivery rejected")
	// ErrInvalidRecipient: the entry has no usable recipient address.
	ErrInvalidRecipient = errors.New("invalid recipient")
)

// Message is the outbound mail payload handed to a Transport.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Transport delivers a composed message and returns the provider message id.
type Transport interface {
	Send(ctx context.Context, m Message) (string, error)
}

// Notifier owns message composition and failure classification. Actual
// delivery belongs to the Transport.
type Notifier struct {
	transport Transport
	log       logx.Logger
}

func New(transport Transport, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{transport: transport, log: log}
}

// Send renders a subject/body for the entry and submits it. It returns the
// provider message id on success and one of the taxonomy errors on failure.
func (n *Notifier) Send(ctx context.Context, e registry.Entry) (string, error) {
	to := strings.TrimSpace(e.UserEmail)
	if to == "" {
		return "", fmt.Errorf("%w: entry %s has no email", ErrInvalidRecipient, e.ID)
	}
	if _, err := mail.ParseAddress(to); err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidRecipient, to, err)
	}
	if n.transport == nil {
		return "", fmt.Errorf("%w: no transport configured", ErrTransportUnavailable)
	}

	msg := Compose(e)
	msg.To = to

	id, err := n.transport.Send(ctx, msg)
	if err != nil {
		// Transports report taxonomy errors directly; anything untyped is
		// treated as a rejected delivery.
		if errors.Is(err, ErrTransportUnavailable) || errors.Is(err, ErrInvalidRecipient) {
			return "", err
		}
		if errors.Is(err, ErrDeliveryRejected) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrDeliveryRejected, err)
	}

	n.log.Debug("notification delivered",
		logx.String("entry", e.ID),
		logx.String("kind", string(e.Kind)),
		logx.String("msg_id", id))
	return id, nil
}

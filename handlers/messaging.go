package handlers

import (
	"context"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"github.com/teranos/cadence/dispatch"
	"github.com/teranos/cadence/errors"
)

type emailPayload struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// sendEmail validates the message and records it in the output as an outbox entry.
// Delivery is left to whatever consumes the execution log.
func (b *Builtins) sendEmail(_ context.Context, inv dispatch.Invocation) (dispatch.Result, error) {
	p, err := decodeEmail(inv)
	if err != nil {
		return nil, errors.Permanent(err)
	}
	for _, addr := range p.To {
		if _, err := mail.ParseAddress(addr); err != nil {
			return nil, errors.Permanent(errors.Wrapf(err, "invalid recipient %q", addr))
		}
	}
	if strings.TrimSpace(p.Subject) == "" {
		return nil, errors.Permanent(errors.New("subject is required"))
	}
	return dispatch.Result{
		"messageId":  uuid.NewString(),
		"to":         p.To,
		"subject":    p.Subject,
		"bodyLength": len(p.Body),
		"queuedAt":   b.now().UTC(),
	}, nil
}

// decodeEmail accepts "to" as a single address or a list
func decodeEmail(inv dispatch.Invocation) (emailPayload, error) {
	var p emailPayload
	if err := inv.Decode(&p); err == nil {
		if len(p.To) == 0 {
			return p, errors.New("to is required")
		}
		return p, nil
	}
	var single struct {
		To      string `json:"to"`
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if err := inv.Decode(&single); err != nil {
		return p, errors.Wrap(err, "invalid SEND_EMAIL payload")
	}
	if single.To == "" {
		return p, errors.New("to is required")
	}
	return emailPayload{To: []string{single.To}, Subject: single.Subject, Body: single.Body}, nil
}

type syncPayload struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// dataSync is a placeholder transfer between two named endpoints
func (b *Builtins) dataSync(ctx context.Context, inv dispatch.Invocation) (dispatch.Result, error) {
	var p syncPayload
	if err := inv.Decode(&p); err != nil {
		return nil, errors.Permanent(errors.Wrap(err, "invalid DATA_SYNC payload"))
	}
	if p.Source == "" {
		p.Source = "primary"
	}
	if p.Target == "" {
		p.Target = "replica"
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return dispatch.Result{
		"source":   p.Source,
		"target":   p.Target,
		"records":  0,
		"syncedAt": b.now().UTC(),
	}, nil
}

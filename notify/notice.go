// Package notify composes and dispatches admin notices for bounce
// actions. The bounce engine decides whether a notice goes out; this
// package owns message composition and the only network I/O in the
// system, the hand-off to an external SMTP relay.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/corvid-mail/rook/bounce"
	"github.com/emersion/go-message"
)

// Sender delivers a finished RFC 822 message. Implemented by SMTPSender
// and by test fakes.
type Sender interface {
	SendMail(ctx context.Context, from, to string, msg []byte) error
}

// Dispatcher implements bounce.Notifier on top of a Sender.
type Dispatcher struct {
	sender   Sender
	from     string
	hostname string
}

// NewDispatcher builds a dispatcher sending from the given address.
func NewDispatcher(sender Sender, from, hostname string) *Dispatcher {
	return &Dispatcher{sender: sender, from: from, hostname: hostname}
}

// SendNotice composes the admin notice and hands it to the relay.
func (d *Dispatcher) SendNotice(ctx context.Context, n bounce.Notice) error {
	msg, err := d.Compose(n)
	if err != nil {
		return fmt.Errorf("failed to compose bounce notice: %w", err)
	}
	return d.sender.SendMail(ctx, d.from, n.Recipient, msg)
}

// Compose renders the notice as multipart/mixed: a plain-text report
// plus the bounced original attached as message/rfc822 so the admin can
// inspect what actually failed.
func (d *Dispatcher) Compose(n bounce.Notice) ([]byte, error) {
	negative := ""
	if !n.Succeeded {
		negative = "not "
	}

	var buf bytes.Buffer
	var h message.Header
	h.Set("From", d.from)
	h.Set("To", n.Recipient)
	h.Set("Subject", fmt.Sprintf("%s member %s bouncing - %s%s", n.List, n.Member, negative, n.Did))
	h.Set("Message-ID", fmt.Sprintf("<%d.bounce@%s>", time.Now().UnixNano(), d.hostname))
	h.Set("Date", time.Now().Format(time.RFC1123Z))
	h.Set("Auto-Submitted", "auto-generated")
	h.Set("MIME-Version", "1.0")
	h.Set("Content-Type", "multipart/mixed")

	w, err := message.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}

	var textHeader message.Header
	textHeader.Set("Content-Type", "text/plain; charset=utf-8")
	tw, err := w.CreatePart(textHeader)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(tw, "The address %s was %s%s on the %s mailing list\n", n.Member, negative, n.Did, n.List)
	fmt.Fprintf(tw, "after repeated delivery failures.\n")
	if n.Reenable {
		fmt.Fprintf(tw, "\nDelivery can be re-enabled from the list administration pages\nonce the address is reachable again.\n")
	}
	if !n.Succeeded {
		fmt.Fprintf(tw, "\nThe address was no longer a member when the action was attempted;\nits bounce history has been cleared.\n")
	}
	fmt.Fprintf(tw, "\nThe failed delivery is attached.\n")
	tw.Close()

	if len(n.Original) > 0 {
		var attHeader message.Header
		attHeader.Set("Content-Type", "message/rfc822")
		attHeader.Set("Content-Disposition", "inline")
		aw, err := w.CreatePart(attHeader)
		if err != nil {
			return nil, err
		}
		if _, err := aw.Write(n.Original); err != nil {
			return nil, err
		}
		aw.Close()
	}

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

package client

import (
	"github.com/psds-microservice/support-chat/internal/model"
	"github.com/psds-microservice/support-chat/internal/protocol"
)

// BuildReceipt prepares the read receipt a viewer owes for a ticket. Explicit ids are
// used as soon as any reply from the other side carries one; only when none do the
// receipt falls back to the last N other-side replies. ok is false when nothing is owed.
func BuildReceipt(t *model.Ticket, viewer model.Role) (protocol.Read, bool) {
	other := viewer.Other()
	var (
		ids    []string
		withID bool
		count  int
	)
	for _, r := range t.Replies {
		if r.SenderRole != other {
			continue
		}
		count++
		if r.ID == "" {
			continue
		}
		withID = true
		if r.ReadAt == nil {
			ids = append(ids, r.ID)
		}
	}
	rcpt := protocol.Read{TicketID: t.ID}
	switch {
	case withID && len(ids) > 0:
		rcpt.MessageIDs = ids
	case !withID && count > 0:
		rcpt.LastN = count
	default:
		return rcpt, false
	}
	return rcpt, true
}

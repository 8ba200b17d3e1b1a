package client

import (
	"time"

	"github.com/psds-microservice/support-chat/internal/model"
)

// replyClockSkew bounds how far apart two timestamps of the same reply may be when
// one copy comes from a push payload and the other from a REST response.
const replyClockSkew = time.Second

// sameReply decides reply identity. Ids win; without an id on both sides the
// content fingerprint (role, message, attachments, time) is compared.
func sameReply(a, b model.Reply) bool {
	if a.ID != "" && b.ID != "" {
		return a.ID == b.ID
	}
	if a.SenderRole != b.SenderRole || a.Message != b.Message || !sameAttachments(a.Attachments, b.Attachments) {
		return false
	}
	if a.CreatedAt.IsZero() || b.CreatedAt.IsZero() {
		return true
	}
	d := a.CreatedAt.Sub(b.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= replyClockSkew
}

func sameAttachments(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func indexOfReply(list []model.Reply, r model.Reply) int {
	for i := range list {
		if sameReply(list[i], r) {
			return i
		}
	}
	return -1
}

// absorb folds a second copy of the same reply into the kept one: an id or a read
// mark learned from either copy is never lost.
func absorb(kept, other model.Reply) model.Reply {
	if kept.ID == "" && other.ID != "" {
		kept.ID = other.ID
	}
	if kept.CreatedAt.IsZero() {
		kept.CreatedAt = other.CreatedAt
	}
	if kept.ReadAt == nil && other.ReadAt != nil {
		kept.ReadAt = other.ReadAt
	}
	if kept.SenderID == "" {
		kept.SenderID = other.SenderID
	}
	return kept
}

func appendReply(list []model.Reply, r model.Reply) []model.Reply {
	if i := indexOfReply(list, r); i >= 0 {
		list[i] = absorb(list[i], r)
		return list
	}
	return append(list, r)
}

// MergeReplies is the one merge used for every delivery path. It is idempotent and
// never shrinks the thread. When incoming is a full list (REST response, refetch or a
// push carrying every reply) its order wins and replies only known locally are kept
// at the end; otherwise incoming replies are appended after the local ones.
func MergeReplies(local, incoming []model.Reply, full bool) []model.Reply {
	out := make([]model.Reply, 0, len(local)+len(incoming))
	if full {
		for _, r := range incoming {
			out = appendReply(out, r)
		}
		for _, r := range local {
			out = appendReply(out, r)
		}
	} else {
		for _, r := range local {
			out = appendReply(out, r)
		}
		for _, r := range incoming {
			out = appendReply(out, r)
		}
	}
	for i := range out {
		out[i].Seq = i + 1
	}
	return out
}

// MergeTicket applies an acknowledged ticket onto the local copy. Scalar fields come
// from the acknowledgement; replies go through MergeReplies.
func MergeTicket(local *model.Ticket, ack model.Ticket) model.Ticket {
	if local == nil {
		ack.Replies = MergeReplies(nil, ack.Replies, true)
		return ack
	}
	merged := ack
	merged.Replies = MergeReplies(local.Replies, ack.Replies, true)
	if merged.Subject == "" {
		merged.Subject = local.Subject
	}
	if merged.User.ID == "" {
		merged.User = local.User
	}
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = local.CreatedAt
	}
	return merged
}

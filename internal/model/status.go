package model

import (
	"strings"

	"github.com/psds-microservice/support-chat/internal/errs"
)

// FilterAll lists tickets regardless of status.
const FilterAll = "all"

func ParseStatus(s string) (TicketStatus, error) {
	switch st := TicketStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case TicketStatusOpen, TicketStatusPending, TicketStatusResolved:
		return st, nil
	}
	return "", errs.ErrInvalidStatus
}

// ParseFilter normalizes a list filter. An empty status means no filtering.
func ParseFilter(s string) (TicketStatus, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == FilterAll {
		return "", nil
	}
	return ParseStatus(s)
}

// CanTransition reports whether an admin may move a ticket from one status to another.
// Reopening is allowed from any state; a same-state request is a no-op and is accepted.
func CanTransition(from, to TicketStatus) bool {
	if from == to {
		return true
	}
	switch to {
	case TicketStatusOpen:
		return true
	case TicketStatusPending:
		return from == TicketStatusOpen
	case TicketStatusResolved:
		return from == TicketStatusOpen || from == TicketStatusPending
	}
	return false
}

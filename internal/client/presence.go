package client

import (
	"sync"

	"github.com/psds-microservice/support-chat/internal/model"
	"github.com/psds-microservice/support-chat/internal/protocol"
)

// AdminPresenceKey is the aggregate key for all staff.
const AdminPresenceKey = "admin"

// PresenceMap is fed only by presence:update events. Entries never expire.
type PresenceMap struct {
	mu     sync.RWMutex
	online map[string]bool
}

func NewPresenceMap() *PresenceMap {
	return &PresenceMap{online: make(map[string]bool)}
}

// Apply records one update and returns the key it touched, or "" when the
// payload names neither a user nor the admin role.
func (p *PresenceMap) Apply(u protocol.Presence) string {
	key := u.UserID
	if key == "" {
		if u.Role != model.RoleAdmin {
			return ""
		}
		key = AdminPresenceKey
	}
	p.mu.Lock()
	p.online[key] = u.Online
	p.mu.Unlock()
	return key
}

// Online reports the last known state; unknown keys are offline.
func (p *PresenceMap) Online(key string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.online[key]
}

func (p *PresenceMap) Snapshot() map[string]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]bool, len(p.online))
	for k, v := range p.online {
		out[k] = v
	}
	return out
}

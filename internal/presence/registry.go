// Package presence tracks which identified users are online in each community
// room and broadcasts the member list whenever it changes.
package presence

import (
	"sync"

	"github.com/samber/lo"

	"communityhub/pkg/types"
)

// Listener receives the member snapshot of a room after every change.
type Listener interface {
	Notify(room string, members []types.Member)
}

type room struct {
	order   []string // user ids in join order
	members map[string]types.Member
}

// Registry maps room slug -> online members.
// ARCHITECTURAL DISCOVERY: One entry per (room, userID). A re-join overwrites
// the connection id in place, so the user keeps their original position
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]*room
	listener Listener
}

// NewRegistry creates an empty registry. listener may be nil.
func NewRegistry(listener Listener) *Registry {
	return &Registry{
		rooms:    make(map[string]*room),
		listener: listener,
	}
}

// Join inserts or overwrites the entry for (room, member.UserID) and notifies
// the listener with the updated snapshot.
func (r *Registry) Join(roomID string, member types.Member) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{members: make(map[string]types.Member)}
		r.rooms[roomID] = rm
	}
	if _, exists := rm.members[member.UserID]; !exists {
		rm.order = append(rm.order, member.UserID)
	}
	rm.members[member.UserID] = member
	snapshot := rm.snapshot()
	r.mu.Unlock()

	r.notify(roomID, snapshot)
}

// Leave removes the entry for (room, userID) only when it still belongs to
// connectionID. It reports whether an entry was removed; the listener is
// notified only in that case, possibly with an empty snapshot.
// FUNCTIONAL DISCOVERY: An old socket closing after its user reconnected must
// not evict the newer connection's entry
func (r *Registry) Leave(roomID, userID, connectionID string) bool {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	current, ok := rm.members[userID]
	if !ok || current.ConnectionID != connectionID {
		r.mu.Unlock()
		return false
	}

	delete(rm.members, userID)
	rm.order = lo.Without(rm.order, userID)
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
	}
	snapshot := rm.snapshot()
	r.mu.Unlock()

	r.notify(roomID, snapshot)
	return true
}

// Snapshot returns the members of a room in join order. Never nil.
func (r *Registry) Snapshot(roomID string) []types.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return []types.Member{}
	}
	return rm.snapshot()
}

// OnlineCount returns the number of members present in a room.
func (r *Registry) OnlineCount(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rm, ok := r.rooms[roomID]; ok {
		return len(rm.members)
	}
	return 0
}

// Rooms returns the online count of every non-empty room.
func (r *Registry) Rooms() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.MapValues(r.rooms, func(rm *room, _ string) int { return len(rm.members) })
}

// GetStats returns registry statistics for monitoring
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, rm := range r.rooms {
		total += len(rm.members)
	}
	return map[string]int{
		"active_rooms":   len(r.rooms),
		"online_members": total,
	}
}

func (r *Registry) notify(roomID string, snapshot []types.Member) {
	if r.listener != nil {
		r.listener.Notify(roomID, snapshot)
	}
}

// caller holds the registry lock
func (rm *room) snapshot() []types.Member {
	return lo.Map(rm.order, func(userID string, _ int) types.Member { return rm.members[userID] })
}

package mocks

import (
	"sync"

	"github.com/samber/lo"

	"communityhub/pkg/interfaces"
)

// Call is one recorded broadcaster invocation.
type Call struct {
	Room         string
	ConnectionID string
	Event        string
	Payload      interface{}
}

// FakeBroadcaster records every Broadcast and SendTo call instead of writing
// to a transport. Members maps room -> connection ids and drives the return
// value of Broadcast.
type FakeBroadcaster struct {
	mu         sync.Mutex
	Members    map[string][]string
	Broadcasts []Call
	Sends      []Call
	SendErr    error
}

var _ interfaces.RoomBroadcaster = (*FakeBroadcaster)(nil)

func NewFakeBroadcaster() *FakeBroadcaster {
	return &FakeBroadcaster{Members: make(map[string][]string)}
}

func (f *FakeBroadcaster) Broadcast(room, event string, payload interface{}) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Broadcasts = append(f.Broadcasts, Call{Room: room, Event: event, Payload: payload})
	return len(f.Members[room])
}

func (f *FakeBroadcaster) SendTo(connectionID, event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sends = append(f.Sends, Call{ConnectionID: connectionID, Event: event, Payload: payload})
	return f.SendErr
}

// Join adds a connection to a room group.
func (f *FakeBroadcaster) Join(room string, conn interfaces.Connection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !lo.Contains(f.Members[room], conn.ID()) {
		f.Members[room] = append(f.Members[room], conn.ID())
	}
}

// Leave removes a connection from a room group.
func (f *FakeBroadcaster) Leave(room, connectionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Members[room] = lo.Without(f.Members[room], connectionID)
	if len(f.Members[room]) == 0 {
		delete(f.Members, room)
	}
}

// GroupOf returns the connection ids joined to a room.
func (f *FakeBroadcaster) GroupOf(room string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Members[room]...)
}

// BroadcastsOf returns the recorded broadcasts with the given event name.
func (f *FakeBroadcaster) BroadcastsOf(event string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return lo.Filter(f.Broadcasts, func(c Call, _ int) bool { return c.Event == event })
}

// SendsTo returns the recorded direct sends to one connection.
func (f *FakeBroadcaster) SendsTo(connectionID string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return lo.Filter(f.Sends, func(c Call, _ int) bool { return c.ConnectionID == connectionID })
}

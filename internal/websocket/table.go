package websocket

import (
	"sync"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"arena/pkg/interfaces"
)

// Table is the participant connection table: room code -> user id ->
// live channel. It tracks transport bindings only; rooms own every piece of
// domain state.
type Table struct {
	mu    sync.RWMutex
	rooms map[string]map[string]interfaces.Channel
	log   *logrus.Entry
}

// NewTable creates an empty connection table.
func NewTable(logger *logrus.Entry) *Table {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Table{
		rooms: make(map[string]map[string]interfaces.Channel),
		log:   logger.WithField("component", "connection_table"),
	}
}

// Attach binds ch to (roomCode, userID) and returns the previously bound
// channel, if any. The caller decides what to do with the replaced channel.
func (t *Table) Attach(roomCode, userID string, ch interfaces.Channel) interfaces.Channel {
	t.mu.Lock()
	defer t.mu.Unlock()

	members, ok := t.rooms[roomCode]
	if !ok {
		members = make(map[string]interfaces.Channel)
		t.rooms[roomCode] = members
	}
	previous := members[userID]
	members[userID] = ch
	return previous
}

// Detach removes the binding only if ch is still the channel bound to
// (roomCode, userID), so a stale connection cannot unbind its replacement.
func (t *Table) Detach(roomCode, userID string, ch interfaces.Channel) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	members, ok := t.rooms[roomCode]
	if !ok {
		return false
	}
	if bound, exists := members[userID]; !exists || bound != ch {
		return false
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(t.rooms, roomCode)
	}
	return true
}

// Lookup returns the channel bound to (roomCode, userID).
func (t *Table) Lookup(roomCode, userID string) (interfaces.Channel, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ch, ok := t.rooms[roomCode][userID]
	return ch, ok
}

// Send delivers msg to one participant.
func (t *Table) Send(roomCode, userID string, msg interface{}) error {
	ch, ok := t.Lookup(roomCode, userID)
	if !ok {
		return ErrNotAttached
	}
	return ch.WriteJSON(msg)
}

// Broadcast delivers msg to every channel in the room and returns how many
// accepted it. Channels are snapshotted first so writes happen outside the
// lock.
func (t *Table) Broadcast(roomCode string, msg interface{}) int {
	t.mu.RLock()
	channels := lo.Values(t.rooms[roomCode])
	t.mu.RUnlock()

	delivered := 0
	for _, ch := range channels {
		if err := ch.WriteJSON(msg); err != nil {
			t.log.WithError(err).WithFields(logrus.Fields{
				"room_code": roomCode,
				"user_id":   ch.GetUserID(),
			}).Debug("Broadcast delivery failed")
			continue
		}
		delivered++
	}
	return delivered
}

// DropRoom removes every binding for a room and returns the channels that
// were bound.
func (t *Table) DropRoom(roomCode string) []interfaces.Channel {
	t.mu.Lock()
	defer t.mu.Unlock()

	channels := lo.Values(t.rooms[roomCode])
	delete(t.rooms, roomCode)
	return channels
}

// GetStats returns table statistics for monitoring.
func (t *Table) GetStats() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	total := 0
	for _, members := range t.rooms {
		total += len(members)
	}
	return map[string]int{
		"attached_channels": total,
		"active_rooms":      len(t.rooms),
	}
}

package treaty

import (
	"sync"

	"TratoChat/logger"
	"TratoChat/service/bus"
)

// Directory maps conversation ids to live rooms. GetOrStart is atomic:
// concurrent callers for the same id always receive the same room, and a
// failed spawn leaves no entry behind.
type Directory struct {
	mu    sync.Mutex
	rooms map[string]*Room
	conf  RoomConfig
	deps  RoomDeps
}

func NewDirectory(conf RoomConfig, deps RoomDeps) *Directory {
	return &Directory{
		rooms: make(map[string]*Room),
		conf:  conf,
		deps:  deps,
	}
}

// GetOrStart returns the live room for the conversation, spawning it when
// absent or terminated.
func (d *Directory) GetOrStart(conversationID string) (*Room, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r, ok := d.rooms[conversationID]; ok && !r.Terminated() {
		return r, nil
	}

	room, err := startRoom(conversationID, d.conf, d.deps, func(r *Room, reason string) {
		d.dropped(conversationID, r, reason)
	})
	if err != nil {
		return nil, err
	}
	d.rooms[conversationID] = room
	d.publishRooms(bus.EvRoomUpdated, conversationID)
	return room, nil
}

// Lookup returns the room only if it is already live.
func (d *Directory) Lookup(conversationID string) (*Room, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rooms[conversationID]
	if !ok || r.Terminated() {
		return nil, false
	}
	return r, true
}

// Count reports live rooms.
func (d *Directory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, r := range d.rooms {
		if !r.Terminated() {
			n++
		}
	}
	return n
}

// Stop terminates one room; a later GetOrStart spawns a fresh one with
// state re-derived from persistence.
func (d *Directory) Stop(conversationID string) {
	d.mu.Lock()
	r, ok := d.rooms[conversationID]
	d.mu.Unlock()
	if ok {
		r.Stop()
	}
}

// Shutdown terminates every room.
func (d *Directory) Shutdown() {
	d.mu.Lock()
	live := make([]*Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		live = append(live, r)
	}
	d.mu.Unlock()
	for _, r := range live {
		r.Stop()
	}
}

// dropped is the supervision policy: rooms are transient. A crash or idle
// exit clears the registry entry and nothing is respawned until the next
// interaction asks for the conversation again.
func (d *Directory) dropped(conversationID string, room *Room, reason string) {
	d.mu.Lock()
	if cur, ok := d.rooms[conversationID]; ok && cur == room {
		delete(d.rooms, conversationID)
	}
	d.mu.Unlock()
	if reason == "crashed" {
		logger.Warnf("[directory] room %s exited: %s", conversationID, reason)
	} else {
		logger.Debugf("[directory] room %s exited: %s", conversationID, reason)
	}
	d.publishRooms(bus.EvRoomRemoved, conversationID)
}

func (d *Directory) publishRooms(name, conversationID string) {
	if d.deps.Bus == nil {
		return
	}
	if err := d.deps.Bus.Publish(bus.RoomsTopic, name, map[string]string{"conversation_id": conversationID}); err != nil {
		logger.Warnf("[directory] rooms publish failed: %v", err)
	}
}

package setlist

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// SnapshotSource provides the authoritative state sent to a session on
// join, so a rejoining client never has to trust cached state.
type SnapshotSource interface {
	Snapshot(ctx context.Context, setlistID string) (Snapshot, error)
}

// RoomManager owns one Room per setlist with live collaborators. Rooms are
// created lazily on first join and discarded, along with all in-memory
// state, when the last session leaves.
type RoomManager struct {
	mu        sync.Mutex
	rooms     map[string]*Room
	snapshots SnapshotSource
}

func NewRoomManager(snapshots SnapshotSource) *RoomManager {
	return &RoomManager{
		rooms:     make(map[string]*Room),
		snapshots: snapshots,
	}
}

// Join registers a new collaborator session and queues the full current
// snapshot as its first message. Registration happens before the snapshot
// loads so no concurrent commit slips past the session; changes delivered
// in that window are held back per session and flushed after the snapshot,
// minus whatever the snapshot already covers.
func (m *RoomManager) Join(ctx context.Context, setlistID, collaboratorID string, conn *websocket.Conn) (*Session, error) {
	sess := &Session{
		ID:             uuid.NewString(),
		CollaboratorID: collaboratorID,
		SetlistID:      setlistID,
		conn:           conn,
		send:           make(chan []byte, 64),
	}

	m.mu.Lock()
	room := m.rooms[setlistID]
	if room == nil {
		room = newRoom(setlistID)
		m.rooms[setlistID] = room
	}
	room.add(sess)
	m.mu.Unlock()

	snap, err := m.snapshots.Snapshot(ctx, setlistID)
	if err != nil {
		m.Leave(sess)
		return nil, err
	}
	data, err := json.Marshal(wireSnapshot{
		Type:      eventSnapshot,
		SetlistID: setlistID,
		Version:   snap.Setlist.Version,
		Setlist:   snap.Setlist,
		Entries:   snap.Entries,
	})
	if err != nil {
		m.Leave(sess)
		return nil, err
	}
	room.activate(sess, snap.Setlist.Version, data)
	return sess, nil
}

// Leave deregisters the session and tears the room down if it was the last
// one. Safe to call more than once.
func (m *RoomManager) Leave(sess *Session) {
	m.mu.Lock()
	if room := m.rooms[sess.SetlistID]; room != nil {
		if room.remove(sess) {
			delete(m.rooms, sess.SetlistID)
		}
	}
	m.mu.Unlock()
	sess.close()
}

// Broadcast relays a committed change to every session in the setlist's
// room, the originator included. A dormant setlist has no room and the
// change is simply dropped; whoever joins next gets it via the snapshot.
func (m *RoomManager) Broadcast(change CommittedChange) {
	m.mu.Lock()
	room := m.rooms[change.SetlistID]
	m.mu.Unlock()
	if room == nil {
		return
	}
	room.deliver(change)
}

// roomCount reports how many rooms are active.
func (m *RoomManager) roomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// pendingLimit bounds how long a room waits for a missing version before
// giving up on the gap and resuming from the oldest buffered change.
const pendingLimit = 16

// pendingFrame is a marshaled change held back for a session whose join
// snapshot has not been queued yet.
type pendingFrame struct {
	version int
	data    []byte
}

// Room holds the sessions of one setlist and delivers committed changes in
// version order. Local commits and changes relayed from other instances can
// arrive interleaved, so the room keeps a small reorder buffer keyed by
// version and drops anything it has already delivered.
type Room struct {
	setlistID string

	mu          sync.Mutex
	sessions    map[*Session]struct{}
	lastVersion int
	pending     map[int]CommittedChange
}

func newRoom(setlistID string) *Room {
	return &Room{
		setlistID: setlistID,
		sessions:  make(map[*Session]struct{}),
		pending:   make(map[int]CommittedChange),
	}
}

func (r *Room) add(sess *Session) {
	r.mu.Lock()
	r.sessions[sess] = struct{}{}
	r.mu.Unlock()
}

// remove reports whether the room is now empty.
func (r *Room) remove(sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sess)
	return len(r.sessions) == 0
}

// activate queues the session's snapshot as its first frame and makes it
// eligible for broadcasts. Changes held back while the snapshot loaded are
// flushed right after it, skipping versions the snapshot already covers.
// The first activation seeds the room's delivery sequence; later joins must
// not touch it, because a newer snapshot says nothing about what earlier
// sessions have been sent.
func (r *Room) activate(sess *Session, version int, snapshot []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastVersion == 0 {
		r.lastVersion = version
	}
	sess.snapshotVersion = version
	sess.enqueue(snapshot)
	for _, f := range sess.backlog {
		if f.version > version {
			if !sess.enqueue(f.data) {
				sess.conn.Close()
			}
		}
	}
	sess.backlog = nil
	sess.ready = true
}

func (r *Room) deliver(change CommittedChange) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lastVersion == 0 {
		// First change this room sees anchors the sequence.
		r.lastVersion = change.Version - 1
	}
	if change.Version <= r.lastVersion {
		return
	}
	r.pending[change.Version] = change
	r.flushLocked()
}

func (r *Room) flushLocked() {
	for len(r.pending) > 0 {
		next, ok := r.pending[r.lastVersion+1]
		if !ok {
			if len(r.pending) < pendingLimit {
				return
			}
			oldest := 0
			for v := range r.pending {
				if oldest == 0 || v < oldest {
					oldest = v
				}
			}
			log.Printf("setlist-service: room %s: version %d never arrived, resuming at %d",
				r.setlistID, r.lastVersion+1, oldest)
			next = r.pending[oldest]
		}
		delete(r.pending, next.Version)
		r.lastVersion = next.Version

		data, err := json.Marshal(wireChange{
			Type:        eventChanged,
			SetlistID:   next.SetlistID,
			Version:     next.Version,
			Operation:   next.Operation,
			Effect:      next.Effect,
			CommittedAt: next.CommittedAt,
		})
		if err != nil {
			log.Printf("setlist-service: marshal change: %v", err)
			continue
		}
		for sess := range r.sessions {
			if !sess.ready {
				// Snapshot still loading: hold the frame so it cannot
				// overtake the snapshot.
				sess.backlog = append(sess.backlog, pendingFrame{version: next.Version, data: data})
				continue
			}
			if next.Version <= sess.snapshotVersion {
				// The join snapshot already reflected this change.
				continue
			}
			if !sess.enqueue(data) {
				// Slow consumer: drop the connection, its read pump will
				// deregister the session.
				sess.conn.Close()
			}
		}
	}
}

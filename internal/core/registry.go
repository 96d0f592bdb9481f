package core

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"sealroom/server/internal/crypto"
	"sealroom/server/internal/protocol"
)

// IdleRoomGrace is how long a room may sit with an empty roster before
// the reaper removes it.
const IdleRoomGrace = 10 * time.Minute

// ErrJoinRejected is returned for both unknown join keys and wrong
// passwords. The single message keeps the two cases indistinguishable
// so probing a key does not reveal whether a room exists.
var ErrJoinRejected = errors.New("Invalid room key or password")

// Member is one roster entry.
type Member struct {
	ID   string
	Name string
}

// Departure describes a participant leaving a room, with the roster
// that remains so the caller can notify it after releasing the lock.
type Departure struct {
	RoomID    string
	Name      string
	Remaining []Member
}

type room struct {
	info          protocol.RoomInfo
	password      *string
	encryptionKey string
	order         []string          // participant ids in join order
	names         map[string]string // participant id → display name
	emptySince    time.Time         // zero while occupied
}

func (r *room) members() []Member {
	out := make([]Member, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, Member{ID: id, Name: r.names[id]})
	}
	return out
}

// Registry owns room lifecycle and rosters. Every mutation happens
// under the write lock; callers receive snapshots and fan out sends
// only after the lock is released.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room

	now func() time.Time // test seam
}

// NewRegistry returns an empty room registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*room),
		now:   time.Now,
	}
}

// Create makes a room, derives its join key, generates its encryption
// key, and seats the creator as the first participant. If the creator
// was in another room, that departure is returned for notification.
func (g *Registry) Create(name, description string, password *string, creatorID, creatorName string) (protocol.RoomInfo, string, *Departure, error) {
	encryptionKey, err := crypto.GenerateRoomKey()
	if err != nil {
		return protocol.RoomInfo{}, "", nil, err
	}

	id := uuid.NewString()
	rm := &room{
		info: protocol.RoomInfo{
			ID:          id,
			Name:        name,
			Description: description,
			HasPassword: password != nil,
			JoinKey:     crypto.JoinKey(id, password),
		},
		password:      password,
		encryptionKey: encryptionKey,
		names:         make(map[string]string),
	}

	g.mu.Lock()
	departure := g.leaveLocked(creatorID)
	rm.order = append(rm.order, creatorID)
	rm.names[creatorID] = creatorName
	g.rooms[id] = rm
	total := len(g.rooms)
	g.mu.Unlock()

	slog.Info("room created", "room_id", id, "name", name, "has_password", password != nil, "total_rooms", total)
	return rm.info, encryptionKey, departure, nil
}

// Join admits a participant to the room whose join key matches. Both
// an unknown key and a failed password check yield ErrJoinRejected.
// Re-joining the current room is an idempotent no-op.
func (g *Registry) Join(joinKey string, password *string, participantID, name string) (protocol.RoomInfo, string, []Member, *Departure, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var target *room
	for _, rm := range g.rooms {
		if rm.info.JoinKey == joinKey {
			target = rm
			break
		}
	}
	if target == nil || !crypto.VerifyPassword(target.password, password) {
		return protocol.RoomInfo{}, "", nil, nil, ErrJoinRejected
	}

	if _, present := target.names[participantID]; present {
		return target.info, target.encryptionKey, target.members(), nil, nil
	}

	departure := g.leaveLocked(participantID)
	target.order = append(target.order, participantID)
	target.names[participantID] = name
	target.emptySince = time.Time{}

	slog.Info("participant joined", "room_id", target.info.ID, "participant_id", participantID, "name", name, "roster_size", len(target.order))
	return target.info, target.encryptionKey, target.members(), departure, nil
}

// Leave removes the participant from whichever room holds it. Returns
// nil when the participant was in no room; calling again is a no-op.
func (g *Registry) Leave(participantID string) *Departure {
	g.mu.Lock()
	departure := g.leaveLocked(participantID)
	g.mu.Unlock()

	if departure != nil {
		slog.Info("participant left", "room_id", departure.RoomID, "participant_id", participantID, "remaining", len(departure.Remaining))
	}
	return departure
}

// leaveLocked removes participantID from its room, if any. Caller
// holds the write lock. An emptied room is stamped for the reaper
// rather than removed immediately, keeping (room_id, join_key) stable
// for the room's whole lifetime.
func (g *Registry) leaveLocked(participantID string) *Departure {
	for _, rm := range g.rooms {
		name, ok := rm.names[participantID]
		if !ok {
			continue
		}
		delete(rm.names, participantID)
		for i, id := range rm.order {
			if id == participantID {
				rm.order = append(rm.order[:i], rm.order[i+1:]...)
				break
			}
		}
		if len(rm.order) == 0 {
			rm.emptySince = g.now()
		}
		return &Departure{RoomID: rm.info.ID, Name: name, Remaining: rm.members()}
	}
	return nil
}

// RoomOf returns the id of the room containing participantID.
func (g *Registry) RoomOf(participantID string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for id, rm := range g.rooms {
		if _, ok := rm.names[participantID]; ok {
			return id, true
		}
	}
	return "", false
}

// Roster returns the ordered roster of roomID.
func (g *Registry) Roster(roomID string) ([]Member, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	rm, ok := g.rooms[roomID]
	if !ok {
		return nil, false
	}
	return rm.members(), true
}

// RosterOf returns the roster of the room containing participantID,
// along with the sender's display name within it.
func (g *Registry) RosterOf(participantID string) (string, []Member, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for id, rm := range g.rooms {
		if _, ok := rm.names[participantID]; ok {
			return id, rm.members(), true
		}
	}
	return "", nil, false
}

// RoomCount returns the number of live rooms.
func (g *Registry) RoomCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

// ReapIdle removes rooms whose rosters have been empty for at least
// grace and returns how many were removed.
func (g *Registry) ReapIdle(grace time.Duration) int {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for id, rm := range g.rooms {
		if len(rm.order) == 0 && !rm.emptySince.IsZero() && now.Sub(rm.emptySince) >= grace {
			delete(g.rooms, id)
			removed++
			slog.Info("idle room reclaimed", "room_id", id, "name", rm.info.Name)
		}
	}
	return removed
}

// Package room implements the pre-game lobby and its registry. A room is
// keyed by a short invitation code and holds up to two players plus any
// number of spectators until a session starts.
package room

import (
	"time"

	"github.com/castled-io/castled/pkg/coorddto"
)

// Slot is one of the two player seats.
type Slot struct {
	StableID  string
	Name      string
	Rating    int
	Color     coorddto.Color
	Connected bool
}

// Room state. All access goes through the registry mutex; the struct itself
// carries no lock.
type Room struct {
	Code       string
	Status     coorddto.RoomStatus
	Players    []*Slot
	Spectators map[string]string // stable id → display name
	Settings   coorddto.GameSettings
	SessionID  string
	CreatedAt  time.Time
	LastActive time.Time
}

func (r *Room) player(stableID string) *Slot {
	for _, s := range r.Players {
		if s.StableID == stableID {
			return s
		}
	}
	return nil
}

func (r *Room) occupants() int {
	return len(r.Players) + len(r.Spectators)
}

// Snapshot produces the canonical wire shape for this room.
func (r *Room) Snapshot() coorddto.RoomSnapshot {
	snap := coorddto.RoomSnapshot{
		Code:           r.Code,
		Status:         r.Status,
		SpectatorCount: len(r.Spectators),
		Settings:       r.Settings,
		SessionID:      r.SessionID,
		CreatedAt:      r.CreatedAt,
	}
	for _, s := range r.Players {
		snap.Players = append(snap.Players, coorddto.PlayerSnapshot{
			StableID:  s.StableID,
			Name:      s.Name,
			Color:     s.Color,
			Rating:    s.Rating,
			Connected: s.Connected,
		})
	}
	return snap
}

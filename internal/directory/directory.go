// Package directory maps live transport connections to stable identities. A
// stable identity survives a connection drop so a reconnecting player resumes
// the same room and session memberships instead of creating duplicates.
package directory

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/castled-io/castled/internal/obslog"
)

// Identity is the server-side record of a player or spectator.
type Identity struct {
	StableID    string
	DisplayName string
	Rating      int
	Live        bool
	ConnID      string
	LastSeen    time.Time

	// memberships, maintained by the coordinator for reconnect re-attach
	RoomCode  string
	SessionID string
}

type Directory struct {
	mu            sync.Mutex
	byStable      map[string]*Identity
	byConn        map[string]string // conn id → stable id
	defaultRating int
	now           func() time.Time
}

func New(defaultRating int) *Directory {
	return &Directory{
		byStable:      make(map[string]*Identity),
		byConn:        make(map[string]string),
		defaultRating: defaultRating,
		now:           time.Now,
	}
}

// SetNow replaces the time source. Test hook.
func (d *Directory) SetNow(now func() time.Time) {
	d.mu.Lock()
	d.now = now
	d.mu.Unlock()
}

// Register binds a connection to a stable identity. A not-live identity
// matching the prior stable id, or failing that the display name, is reused
// and marked live (the reconnection path); otherwise a fresh identity is
// created. A reconnect replaces the prior connection mapping.
func (d *Directory) Register(displayName, connID, priorStableID string) (Identity, bool) {
	displayName = strings.TrimSpace(displayName)
	d.mu.Lock()
	defer d.mu.Unlock()

	var ident *Identity
	if priorStableID != "" {
		// an explicit prior id replaces the mapping even if the old
		// connection has not been reaped yet
		if cand, ok := d.byStable[priorStableID]; ok {
			ident = cand
		}
	}
	if ident == nil {
		for _, cand := range d.byStable {
			if !cand.Live && cand.DisplayName == displayName {
				ident = cand
				break
			}
		}
	}

	reconnection := ident != nil
	if ident == nil {
		ident = &Identity{
			StableID:    uuid.NewString(),
			DisplayName: displayName,
			Rating:      d.defaultRating,
		}
		d.byStable[ident.StableID] = ident
	}

	if ident.ConnID != "" {
		delete(d.byConn, ident.ConnID)
	}
	ident.Live = true
	ident.ConnID = connID
	ident.LastSeen = d.now()
	d.byConn[connID] = ident.StableID

	obslog.L().Info("identity_register",
		zap.String("stable_id", ident.StableID),
		zap.String("conn_id", connID),
		zap.Bool("reconnection", reconnection),
	)
	return *ident, reconnection
}

// MarkDisconnected flips liveness off for the identity behind a connection.
// The identity itself survives until the idle sweep. Returns a copy of the
// identity, ok=false when the connection is unknown.
func (d *Directory) MarkDisconnected(connID string) (Identity, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	stableID, ok := d.byConn[connID]
	if !ok {
		return Identity{}, false
	}
	delete(d.byConn, connID)
	ident := d.byStable[stableID]
	// a newer connection may already own this identity
	if ident.ConnID == connID {
		ident.Live = false
		ident.ConnID = ""
	}
	ident.LastSeen = d.now()
	return *ident, true
}

// ResolveConn returns the identity behind a live connection.
func (d *Directory) ResolveConn(connID string) (Identity, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	stableID, ok := d.byConn[connID]
	if !ok {
		return Identity{}, false
	}
	return *d.byStable[stableID], true
}

// Get returns the identity for a stable id.
func (d *Directory) Get(stableID string) (Identity, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ident, ok := d.byStable[stableID]
	if !ok {
		return Identity{}, false
	}
	return *ident, true
}

// Touch refreshes the last-activity timestamp.
func (d *Directory) Touch(stableID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ident, ok := d.byStable[stableID]; ok {
		ident.LastSeen = d.now()
	}
}

// SetMemberships records which room/session an identity belongs to.
func (d *Directory) SetMemberships(stableID, roomCode, sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ident, ok := d.byStable[stableID]; ok {
		ident.RoomCode = roomCode
		ident.SessionID = sessionID
	}
}

// SetRoom records only the room membership.
func (d *Directory) SetRoom(stableID, roomCode string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ident, ok := d.byStable[stableID]; ok {
		ident.RoomCode = roomCode
	}
}

// SetSession records only the session membership.
func (d *Directory) SetSession(stableID, sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ident, ok := d.byStable[stableID]; ok {
		ident.SessionID = sessionID
	}
}

// SetRating updates an identity's rating.
func (d *Directory) SetRating(stableID string, rating int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ident, ok := d.byStable[stableID]; ok {
		ident.Rating = rating
	}
}

// Sweep deletes identities that have been inactive for longer than ttl.
func (d *Directory) Sweep(ttl time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	removed := 0
	for id, ident := range d.byStable {
		if ident.Live {
			continue
		}
		if now.Sub(ident.LastSeen) >= ttl {
			delete(d.byStable, id)
			removed++
		}
	}
	if removed > 0 {
		obslog.L().Info("identity_sweep", zap.Int("removed", removed), zap.Int("live", len(d.byStable)))
	}
	return removed
}

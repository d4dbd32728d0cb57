package room

import (
	"crypto/rand"
	"math/big"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/castled-io/castled/internal/obslog"
	"github.com/castled-io/castled/pkg/coorddto"
)

const codeAttempts = 5

// JoinResult is what a join request resolved to.
type JoinResult struct {
	Role  coorddto.Role
	Color coorddto.Color
	Room  coorddto.RoomSnapshot
}

// LeaveResult reports the side effects of a leave.
type LeaveResult struct {
	Code      string
	WasPlayer bool
	Abandoned bool
	Deleted   bool
	Room      coorddto.RoomSnapshot
}

// Registry owns all lobbies keyed by code. A single mutex serializes every
// mutation so two joins racing for the last player slot resolve atomically:
// one gets the seat, the other falls back to spectator.
type Registry struct {
	mu      sync.Mutex
	rooms   map[string]*Room
	byUser  map[string]string // stable id → room code
	idleTTL time.Duration
	now     func() time.Time
}

func NewRegistry(idleTTL time.Duration) *Registry {
	return &Registry{
		rooms:   make(map[string]*Room),
		byUser:  make(map[string]string),
		idleTTL: idleTTL,
		now:     time.Now,
	}
}

// SetNow replaces the time source. Test hook.
func (r *Registry) SetNow(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Create allocates a collision-free code and seats the creator as white.
func (r *Registry) Create(stableID, name string, rating int, settings coorddto.GameSettings) (coorddto.RoomSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// an identity occupies at most one room
	_, _ = r.leaveLocked(stableID)

	var code string
	for i := 0; i < codeAttempts; i++ {
		c, err := genCode()
		if err != nil {
			return coorddto.RoomSnapshot{}, err
		}
		if _, taken := r.rooms[c]; !taken {
			code = c
			break
		}
	}
	if code == "" {
		return coorddto.RoomSnapshot{}, coorddto.ErrCodeGenerationExhausted
	}

	now := r.now()
	rm := &Room{
		Code:   code,
		Status: coorddto.RoomWaiting,
		Players: []*Slot{{
			StableID:  stableID,
			Name:      name,
			Rating:    rating,
			Color:     coorddto.White,
			Connected: true,
		}},
		Spectators: make(map[string]string),
		Settings:   settings,
		CreatedAt:  now,
		LastActive: now,
	}
	r.rooms[code] = rm
	r.byUser[stableID] = code
	obslog.L().Info("room_create",
		zap.String("code", code),
		zap.String("creator", stableID),
		zap.Int64("initial_ms", settings.InitialMs),
	)
	return rm.Snapshot(), nil
}

// Join adds an identity to a room. Codes are matched case-insensitively. A
// seated identity rejoining gets its existing role back; a full room demotes
// the joiner to spectator.
func (r *Registry) Join(code, stableID, name string, rating int, asSpectator bool) (JoinResult, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[code]
	if !ok {
		return JoinResult{}, coorddto.ErrRoomNotFound
	}
	now := r.now()
	if r.idleTTL > 0 && now.Sub(rm.LastActive) >= r.idleTTL {
		r.deleteLocked(rm)
		return JoinResult{}, coorddto.ErrRoomExpired
	}
	rm.LastActive = now

	// idempotent rejoin for seated players
	if s := rm.player(stableID); s != nil {
		s.Connected = true
		return JoinResult{Role: coorddto.RolePlayer, Color: s.Color, Room: rm.Snapshot()}, nil
	}
	if _, spec := rm.Spectators[stableID]; spec {
		return JoinResult{Role: coorddto.RoleSpectator, Room: rm.Snapshot()}, nil
	}

	// vacate any other room before taking a place in this one
	if prior, ok := r.byUser[stableID]; ok && prior != code {
		_, _ = r.leaveLocked(stableID)
	}

	if asSpectator || len(rm.Players) >= 2 {
		rm.Spectators[stableID] = name
		r.byUser[stableID] = code
		obslog.L().Info("room_join", zap.String("code", code), zap.String("user", stableID), zap.String("role", "spectator"))
		return JoinResult{Role: coorddto.RoleSpectator, Room: rm.Snapshot()}, nil
	}

	color := coorddto.White
	if len(rm.Players) == 1 {
		color = rm.Players[0].Color.Opposite()
	}
	rm.Players = append(rm.Players, &Slot{
		StableID:  stableID,
		Name:      name,
		Rating:    rating,
		Color:     color,
		Connected: true,
	})
	r.byUser[stableID] = code
	if len(rm.Players) == 2 && rm.Status == coorddto.RoomWaiting {
		rm.Status = coorddto.RoomReady
	}
	obslog.L().Info("room_join",
		zap.String("code", code),
		zap.String("user", stableID),
		zap.String("role", "player"),
		zap.String("color", string(color)),
		zap.String("status", string(rm.Status)),
	)
	return JoinResult{Role: coorddto.RolePlayer, Color: color, Room: rm.Snapshot()}, nil
}

// Leave removes the identity from whichever room it occupies. A player
// leaving a playing room marks it abandoned; an emptied room is deleted.
func (r *Registry) Leave(stableID string) (LeaveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(stableID)
}

func (r *Registry) leaveLocked(stableID string) (LeaveResult, error) {
	code, ok := r.byUser[stableID]
	if !ok {
		return LeaveResult{}, coorddto.ErrRoomNotFound
	}
	rm, ok := r.rooms[code]
	if !ok {
		delete(r.byUser, stableID)
		return LeaveResult{}, coorddto.ErrRoomNotFound
	}

	res := LeaveResult{Code: code}
	for i, s := range rm.Players {
		if s.StableID == stableID {
			rm.Players = append(rm.Players[:i], rm.Players[i+1:]...)
			res.WasPlayer = true
			break
		}
	}
	if !res.WasPlayer {
		delete(rm.Spectators, stableID)
	}
	delete(r.byUser, stableID)
	rm.LastActive = r.now()

	if res.WasPlayer && rm.Status == coorddto.RoomPlaying {
		rm.Status = coorddto.RoomAbandoned
		res.Abandoned = true
	}
	if rm.occupants() == 0 {
		r.deleteLocked(rm)
		res.Deleted = true
	}
	res.Room = rm.Snapshot()
	obslog.L().Info("room_leave",
		zap.String("code", code),
		zap.String("user", stableID),
		zap.Bool("was_player", res.WasPlayer),
		zap.Bool("deleted", res.Deleted),
	)
	return res, nil
}

// Get returns the snapshot for a code, nil if absent.
func (r *Registry) Get(code string) *coorddto.RoomSnapshot {
	code = strings.ToUpper(strings.TrimSpace(code))
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[code]
	if !ok {
		return nil
	}
	snap := rm.Snapshot()
	return &snap
}

// CodeFor returns the room code an identity currently occupies.
func (r *Registry) CodeFor(stableID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	code, ok := r.byUser[stableID]
	return code, ok
}

// ClaimStart takes ownership of starting a READY room's session. The status
// flips away from READY under the registry mutex, so of any number of
// concurrent joiners exactly one wins the claim and creates the session;
// MarkPlaying attaches the session id once it exists.
func (r *Registry) ClaimStart(code string) (coorddto.RoomSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[code]
	if !ok || rm.Status != coorddto.RoomReady || rm.SessionID != "" {
		return coorddto.RoomSnapshot{}, false
	}
	rm.Status = coorddto.RoomPlaying
	rm.LastActive = r.now()
	return rm.Snapshot(), true
}

// ReleaseClaim returns a claimed room to READY when session creation failed,
// so a later join can try again.
func (r *Registry) ReleaseClaim(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[code]; ok && rm.Status == coorddto.RoomPlaying && rm.SessionID == "" {
		rm.Status = coorddto.RoomReady
		rm.LastActive = r.now()
	}
}

// MarkPlaying binds a session to a ready room.
func (r *Registry) MarkPlaying(code, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[code]; ok {
		rm.Status = coorddto.RoomPlaying
		rm.SessionID = sessionID
		rm.LastActive = r.now()
	}
}

// MarkAbandoned flips a room to abandoned without removing occupants. Used by
// the grace-period expiry path.
func (r *Registry) MarkAbandoned(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[code]; ok {
		rm.Status = coorddto.RoomAbandoned
		rm.LastActive = r.now()
	}
}

// SetPlayerConnected updates the seat's connected flag.
func (r *Registry) SetPlayerConnected(code, stableID string, connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[code]
	if !ok {
		return
	}
	if s := rm.player(stableID); s != nil {
		s.Connected = connected
		rm.LastActive = r.now()
	}
}

// MembersExcept returns the stable ids of all occupants except one. Used for
// fan-out.
func (r *Registry) MembersExcept(code, exclude string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[code]
	if !ok {
		return nil
	}
	var out []string
	for _, s := range rm.Players {
		if s.StableID != exclude {
			out = append(out, s.StableID)
		}
	}
	for id := range rm.Spectators {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

// Sweep deletes rooms idle for longer than the configured TTL.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.idleTTL <= 0 {
		return 0
	}
	now := r.now()
	removed := 0
	for _, rm := range r.rooms {
		if now.Sub(rm.LastActive) >= r.idleTTL {
			r.deleteLocked(rm)
			removed++
		}
	}
	if removed > 0 {
		obslog.L().Info("room_sweep", zap.Int("removed", removed), zap.Int("live", len(r.rooms)))
	}
	return removed
}

// Len reports the number of live rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) deleteLocked(rm *Room) {
	for _, s := range rm.Players {
		if r.byUser[s.StableID] == rm.Code {
			delete(r.byUser, s.StableID)
		}
	}
	for id := range rm.Spectators {
		if r.byUser[id] == rm.Code {
			delete(r.byUser, id)
		}
	}
	delete(r.rooms, rm.Code)
}

// genCode produces a 4-character invitation code: two uppercase letters
// followed by two digits.
func genCode() (string, error) {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	const digits = "0123456789"
	buf := make([]byte, 4)
	for i := 0; i < 2; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		if err != nil {
			return "", err
		}
		buf[i] = letters[n.Int64()]
	}
	for i := 2; i < 4; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(digits))))
		if err != nil {
			return "", err
		}
		buf[i] = digits[n.Int64()]
	}
	return string(buf), nil
}

package room

import (
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/castled-io/castled/pkg/coorddto"
)

var codePattern = regexp.MustCompile(`^[A-Z]{2}[0-9]{2}$`)

func blitz() coorddto.GameSettings {
	return coorddto.GameSettings{InitialMs: 300000, IncrementMs: 0}
}

func TestCodeFormatAndUniqueness(t *testing.T) {
	reg := NewRegistry(24 * time.Hour)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		snap, err := reg.Create(fmt.Sprintf("user-%d", i), "User", 1200, blitz())
		if err != nil {
			t.Fatalf("Create #%d: %v", i, err)
		}
		if !codePattern.MatchString(snap.Code) {
			t.Fatalf("code %q does not match [A-Z]{2}[0-9]{2}", snap.Code)
		}
		if seen[snap.Code] {
			t.Fatalf("duplicate live code %q", snap.Code)
		}
		seen[snap.Code] = true
	}
}

func TestJoinAssignsColorsAndReady(t *testing.T) {
	reg := NewRegistry(24 * time.Hour)
	created, err := reg.Create("alice", "Alice", 1200, blitz())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Status != coorddto.RoomWaiting {
		t.Fatalf("new room status = %s", created.Status)
	}

	res, err := reg.Join(created.Code, "bob", "Bob", 1200, false)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if res.Role != coorddto.RolePlayer || res.Color != coorddto.Black {
		t.Fatalf("second joiner = %s/%s, want player/black", res.Role, res.Color)
	}
	if res.Room.Status != coorddto.RoomReady {
		t.Fatalf("room status = %s, want READY", res.Room.Status)
	}
	colors := map[coorddto.Color]int{}
	for _, p := range res.Room.Players {
		colors[p.Color]++
	}
	if colors[coorddto.White] != 1 || colors[coorddto.Black] != 1 {
		t.Fatalf("colors = %v, want one of each", colors)
	}
}

func TestThirdJoinerBecomesSpectator(t *testing.T) {
	reg := NewRegistry(24 * time.Hour)
	created, _ := reg.Create("alice", "Alice", 1200, blitz())
	reg.Join(created.Code, "bob", "Bob", 1200, false)

	res, err := reg.Join(created.Code, "carol", "Carol", 1200, false)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if res.Role != coorddto.RoleSpectator {
		t.Fatalf("third joiner role = %s, want spectator", res.Role)
	}
	if len(res.Room.Players) != 2 {
		t.Fatalf("player count changed to %d", len(res.Room.Players))
	}
}

func TestRejoinIsIdempotent(t *testing.T) {
	reg := NewRegistry(24 * time.Hour)
	created, _ := reg.Create("alice", "Alice", 1200, blitz())

	first, err := reg.Join(created.Code, "bob", "Bob", 1200, false)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	second, err := reg.Join(created.Code, "bob", "Bob", 1200, false)
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if second.Role != first.Role || second.Color != first.Color {
		t.Fatalf("rejoin changed role/color: %s/%s → %s/%s", first.Role, first.Color, second.Role, second.Color)
	}
	if len(second.Room.Players) != 2 {
		t.Fatalf("duplicate slot created: %d players", len(second.Room.Players))
	}
}

func TestJoinIsCaseInsensitive(t *testing.T) {
	reg := NewRegistry(24 * time.Hour)
	created, _ := reg.Create("alice", "Alice", 1200, blitz())
	lower := make([]byte, len(created.Code))
	for i := range created.Code {
		c := created.Code[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		lower[i] = c
	}
	if _, err := reg.Join(string(lower), "bob", "Bob", 1200, false); err != nil {
		t.Fatalf("lowercase join: %v", err)
	}
}

func TestJoinUnknownAndExpired(t *testing.T) {
	reg := NewRegistry(time.Hour)
	base := time.Unix(1_700_000_000, 0)
	reg.SetNow(func() time.Time { return base })

	if _, err := reg.Join("ZZ99", "bob", "Bob", 1200, false); err != coorddto.ErrRoomNotFound {
		t.Fatalf("unknown code: %v", err)
	}

	created, _ := reg.Create("alice", "Alice", 1200, blitz())
	reg.SetNow(func() time.Time { return base.Add(2 * time.Hour) })
	if _, err := reg.Join(created.Code, "bob", "Bob", 1200, false); err != coorddto.ErrRoomExpired {
		t.Fatalf("expired join: %v", err)
	}
	// expiry deletes the room as a side effect
	if reg.Get(created.Code) != nil {
		t.Fatalf("expired room still present")
	}
}

func TestLeaveAbandonsAndDeletes(t *testing.T) {
	reg := NewRegistry(24 * time.Hour)
	created, _ := reg.Create("alice", "Alice", 1200, blitz())
	reg.Join(created.Code, "bob", "Bob", 1200, false)
	reg.MarkPlaying(created.Code, "game-1")

	res, err := reg.Leave("bob")
	if err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if !res.WasPlayer || !res.Abandoned {
		t.Fatalf("leave mid-game: %+v", res)
	}

	res2, err := reg.Leave("alice")
	if err != nil {
		t.Fatalf("Leave creator: %v", err)
	}
	if !res2.Deleted {
		t.Fatalf("empty room should be deleted")
	}
	if reg.Len() != 0 {
		t.Fatalf("registry not empty: %d", reg.Len())
	}
}

func TestSweepRemovesIdleRooms(t *testing.T) {
	reg := NewRegistry(time.Hour)
	base := time.Unix(1_700_000_000, 0)
	reg.SetNow(func() time.Time { return base })
	reg.Create("alice", "Alice", 1200, blitz())
	reg.Create("bob", "Bob", 1200, blitz())

	reg.SetNow(func() time.Time { return base.Add(90 * time.Minute) })
	if removed := reg.Sweep(); removed != 2 {
		t.Fatalf("swept %d rooms, want 2", removed)
	}
}

func TestClaimStartSingleWinner(t *testing.T) {
	reg := NewRegistry(24 * time.Hour)
	created, _ := reg.Create("alice", "Alice", 1200, blitz())
	reg.Join(created.Code, "bob", "Bob", 1200, false)

	snap, ok := reg.ClaimStart(created.Code)
	if !ok {
		t.Fatalf("first claim on a READY room rejected")
	}
	if snap.Status != coorddto.RoomPlaying {
		t.Fatalf("claimed status = %s, want PLAYING", snap.Status)
	}
	if _, ok := reg.ClaimStart(created.Code); ok {
		t.Fatalf("second claim won too; two sessions would start")
	}

	// a failed start hands the room back for a later attempt
	reg.ReleaseClaim(created.Code)
	if got := reg.Get(created.Code); got == nil || got.Status != coorddto.RoomReady {
		t.Fatalf("released room = %+v, want READY", got)
	}
	if _, ok := reg.ClaimStart(created.Code); !ok {
		t.Fatalf("re-claim after release rejected")
	}

	// once the session id is bound, release is a no-op
	reg.MarkPlaying(created.Code, "game-1")
	reg.ReleaseClaim(created.Code)
	if got := reg.Get(created.Code); got.Status != coorddto.RoomPlaying || got.SessionID != "game-1" {
		t.Fatalf("bound room disturbed by release: %+v", got)
	}
}

func TestCreateVacatesPriorRoom(t *testing.T) {
	reg := NewRegistry(24 * time.Hour)
	first, _ := reg.Create("alice", "Alice", 1200, blitz())

	second, err := reg.Create("alice", "Alice", 1200, blitz())
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if reg.Get(first.Code) != nil {
		t.Fatalf("first room still live after creator moved on")
	}
	if reg.Len() != 1 {
		t.Fatalf("live rooms = %d, want 1", reg.Len())
	}
	if code, _ := reg.CodeFor("alice"); code != second.Code {
		t.Fatalf("alice mapped to %q, want %q", code, second.Code)
	}
}

func TestJoinVacatesPriorRoom(t *testing.T) {
	reg := NewRegistry(24 * time.Hour)
	first, _ := reg.Create("alice", "Alice", 1200, blitz())
	second, _ := reg.Create("bob", "Bob", 1200, blitz())

	res, err := reg.Join(second.Code, "alice", "Alice", 1200, false)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if res.Role != coorddto.RolePlayer {
		t.Fatalf("alice role = %s, want player", res.Role)
	}
	if reg.Get(first.Code) != nil {
		t.Fatalf("alice's old room survived her move")
	}
	members := reg.MembersExcept(second.Code, "")
	if len(members) != 2 {
		t.Fatalf("members = %v, want alice and bob", members)
	}

	// rejoining the room she is already in must not tear it down
	again, err := reg.Join(second.Code, "alice", "Alice", 1200, false)
	if err != nil || again.Role != coorddto.RolePlayer || again.Color != res.Color {
		t.Fatalf("rejoin = %+v (%v)", again, err)
	}
	if reg.Get(second.Code) == nil {
		t.Fatalf("room deleted by idempotent rejoin")
	}
}

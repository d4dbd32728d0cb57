package session

import (
	"sync"
	"testing"
	"time"

	"github.com/castled-io/castled/pkg/coorddto"
)

type fakeTime struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeTime) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeTime) advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestSession(t *testing.T, settings coorddto.GameSettings, opts ...Option) (*Session, *fakeTime) {
	t.Helper()
	ft := &fakeTime{t: time.Unix(1_700_000_000, 0)}
	opts = append(opts, WithNow(ft.now))
	s := New(settings, opts...)
	if _, err := s.AddPlayer("alice", "Alice", 1200); err != nil {
		t.Fatalf("AddPlayer alice: %v", err)
	}
	if _, err := s.AddPlayer("bob", "Bob", 1200); err != nil {
		t.Fatalf("AddPlayer bob: %v", err)
	}
	if _, err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s, ft
}

func TestColorAssignmentAndStartGuard(t *testing.T) {
	s := New(coorddto.GameSettings{InitialMs: 60000})
	if _, err := s.Start(); err != coorddto.ErrInsufficientPlayers {
		t.Fatalf("Start with no players: %v", err)
	}
	c1, _ := s.AddPlayer("a", "A", 1200)
	c2, _ := s.AddPlayer("b", "B", 1200)
	if c1 != coorddto.White || c2 != coorddto.Black {
		t.Fatalf("colors = %s/%s, want white/black", c1, c2)
	}
	// idempotent re-add
	again, err := s.AddPlayer("a", "A", 1200)
	if err != nil || again != coorddto.White {
		t.Fatalf("re-add = %s, %v", again, err)
	}
	if _, err := s.AddPlayer("c", "C", 1200); err != coorddto.ErrRoomFull {
		t.Fatalf("third AddPlayer: %v", err)
	}
}

func TestMoveClockArithmetic(t *testing.T) {
	s, ft := newTestSession(t, coorddto.GameSettings{InitialMs: 300000, IncrementMs: 2000})

	ft.advance(5 * time.Second)
	rec, snap, err := s.MakeMove("alice", "e2", "e4", "")
	if err != nil {
		t.Fatalf("MakeMove: %v", err)
	}
	if rec.ElapsedMs != 5000 {
		t.Fatalf("elapsed = %d, want 5000", rec.ElapsedMs)
	}
	// 300000 - 5000 + 2000
	if snap.WhiteMs != 297000 {
		t.Fatalf("white remaining = %d, want 297000", snap.WhiteMs)
	}
	if snap.BlackMs != 300000 {
		t.Fatalf("black clock should be untouched, got %d", snap.BlackMs)
	}
	if snap.Turn != coorddto.Black {
		t.Fatalf("turn = %s, want black", snap.Turn)
	}
}

func TestNotYourTurnLeavesStateUnchanged(t *testing.T) {
	s, _ := newTestSession(t, coorddto.GameSettings{InitialMs: 300000})
	before := s.Snapshot()
	_, after, err := s.MakeMove("bob", "e7", "e5", "")
	if err != coorddto.ErrNotYourTurn {
		t.Fatalf("expected ErrNotYourTurn, got %v", err)
	}
	if after.FEN != before.FEN || after.Turn != before.Turn ||
		after.WhiteMs != before.WhiteMs || after.BlackMs != before.BlackMs ||
		len(after.MovesUCI) != len(before.MovesUCI) {
		t.Fatalf("state changed by rejected move:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestUnknownPlayerAndIllegalMove(t *testing.T) {
	s, _ := newTestSession(t, coorddto.GameSettings{InitialMs: 300000})
	if _, _, err := s.MakeMove("mallory", "e2", "e4", ""); err != coorddto.ErrPlayerNotInGame {
		t.Fatalf("expected ErrPlayerNotInGame, got %v", err)
	}
	if _, _, err := s.MakeMove("alice", "e2", "e5", ""); err != coorddto.ErrIllegalMove {
		t.Fatalf("expected ErrIllegalMove, got %v", err)
	}
}

func TestTimeoutFinishesAndBlocksMoves(t *testing.T) {
	s, ft := newTestSession(t, coorddto.GameSettings{InitialMs: 2000})

	ft.advance(3 * time.Second)
	_, snap, err := s.MakeMove("alice", "e2", "e4", "")
	if err != coorddto.ErrNotPlaying {
		t.Fatalf("move after flag fall: %v", err)
	}
	if snap.Status != coorddto.StatusFinished {
		t.Fatalf("status = %s, want FINISHED", snap.Status)
	}
	if snap.Result != coorddto.ResultBlack || snap.EndReason != coorddto.ReasonTimeout {
		t.Fatalf("result/reason = %s/%s, want black/timeout", snap.Result, snap.EndReason)
	}
	if snap.WhiteMs != 0 {
		t.Fatalf("expired clock should floor at 0, got %d", snap.WhiteMs)
	}
	if _, _, err := s.MakeMove("bob", "e7", "e5", ""); err != coorddto.ErrNotPlaying {
		t.Fatalf("move on finished session: %v", err)
	}
}

func TestResign(t *testing.T) {
	s, _ := newTestSession(t, coorddto.GameSettings{InitialMs: 300000})
	snap, err := s.Resign("bob")
	if err != nil {
		t.Fatalf("Resign: %v", err)
	}
	if snap.Result != coorddto.ResultWhite || snap.EndReason != coorddto.ReasonResignation {
		t.Fatalf("result/reason = %s/%s", snap.Result, snap.EndReason)
	}
	if _, err := s.Resign("alice"); err != coorddto.ErrNotPlaying {
		t.Fatalf("resign on finished game: %v", err)
	}
}

func TestDrawOfferAccept(t *testing.T) {
	s, _ := newTestSession(t, coorddto.GameSettings{InitialMs: 300000})

	// accept with no outstanding offer
	if _, _, _, err := s.Draw("bob", "accept"); err != coorddto.ErrNoDrawOffer {
		t.Fatalf("accept without offer: %v", err)
	}
	if s.Status() != coorddto.StatusPlaying {
		t.Fatalf("failed accept changed status to %s", s.Status())
	}

	if _, _, _, err := s.Draw("alice", "offer"); err != nil {
		t.Fatalf("offer: %v", err)
	}
	// offering side cannot accept its own offer
	if _, _, _, err := s.Draw("alice", "accept"); err != coorddto.ErrNoDrawOffer {
		t.Fatalf("self-accept: %v", err)
	}
	ended, _, snap, err := s.Draw("bob", "accept")
	if err != nil || !ended {
		t.Fatalf("accept: ended=%v err=%v", ended, err)
	}
	if snap.Result != coorddto.ResultDraw || snap.EndReason != coorddto.ReasonDrawAgreement {
		t.Fatalf("result/reason = %s/%s", snap.Result, snap.EndReason)
	}
}

func TestDrawOfferVoidedByMove(t *testing.T) {
	s, _ := newTestSession(t, coorddto.GameSettings{InitialMs: 300000})
	if _, _, _, err := s.Draw("alice", "offer"); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if _, _, err := s.MakeMove("alice", "e2", "e4", ""); err != nil {
		t.Fatalf("move: %v", err)
	}
	if _, _, _, err := s.Draw("bob", "accept"); err != coorddto.ErrNoDrawOffer {
		t.Fatalf("accept after move: %v", err)
	}
}

func TestDisconnectPausesAndResumes(t *testing.T) {
	s, ft := newTestSession(t, coorddto.GameSettings{InitialMs: 300000})

	ft.advance(2 * time.Second)
	snap, err := s.SetPlayerConnected("bob", false)
	if err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if snap.Status != coorddto.StatusPaused {
		t.Fatalf("status = %s, want PAUSED", snap.Status)
	}
	if snap.WhiteMs != 298000 {
		t.Fatalf("white clock should be frozen at 298000, got %d", snap.WhiteMs)
	}

	// time passing while paused costs nothing
	ft.advance(10 * time.Second)
	if got := s.Snapshot().WhiteMs; got != 298000 {
		t.Fatalf("paused clock drifted to %d", got)
	}

	snap, err = s.SetPlayerConnected("bob", true)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if snap.Status != coorddto.StatusPlaying {
		t.Fatalf("status = %s, want PLAYING", snap.Status)
	}
	// white was to move before the pause; its clock runs again
	ft.advance(1 * time.Second)
	if got := s.Snapshot().WhiteMs; got != 297000 {
		t.Fatalf("white remaining = %d, want 297000", got)
	}
}

func TestChatRingCap(t *testing.T) {
	s, _ := newTestSession(t, coorddto.GameSettings{InitialMs: 300000},
		WithChatLimits(5, 3))
	for i := 0; i < 10; i++ {
		if _, err := s.AddChat("alice", "Alice", "hello", ""); err != nil {
			t.Fatalf("AddChat: %v", err)
		}
	}
	snap := s.Snapshot()
	if len(snap.Chat) != 3 {
		t.Fatalf("served chat = %d, want 3", len(snap.Chat))
	}
}

func TestClockExpiryTimerFinishesSession(t *testing.T) {
	done := make(chan coorddto.SessionSnapshot, 1)
	s := New(coorddto.GameSettings{InitialMs: 50},
		WithOnEnd(func(snap coorddto.SessionSnapshot) { done <- snap }))
	s.AddPlayer("a", "A", 1200)
	s.AddPlayer("b", "B", 1200)
	if _, err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case snap := <-done:
		if snap.Result != coorddto.ResultBlack || snap.EndReason != coorddto.ReasonTimeout {
			t.Fatalf("result/reason = %s/%s", snap.Result, snap.EndReason)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expiry timer never fired")
	}
}

package game

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func pickFirst(candidates []*Player) *Player { return candidates[0] }

// newDuel returns a started state with one player per team.
func newDuel(t *testing.T) (*State, *Player, *Player) {
	t.Helper()
	s := NewState("123456", t0, 0)
	a, err := s.Join("conn-a", "alice", TeamA, t0)
	require.NoError(t, err)
	b, err := s.Join("conn-b", "bob", TeamB, t0)
	require.NoError(t, err)
	_, err = s.StartMatch(60, t0)
	require.NoError(t, err)
	return s, a, b
}

func TestJoin_Nicknames(t *testing.T) {
	s := NewState("123456", t0, 0)

	_, err := s.Join("c1", "   ", TeamA, t0)
	require.ErrorIs(t, err, ErrInvalidNickname)

	p, err := s.Join("c2", "  frosty  ", TeamA, t0)
	require.NoError(t, err)
	assert.Equal(t, "frosty", p.Nick)

	long, err := s.Join("c3", "abcdefghijklmnopqrstuvwxyz", TeamB, t0)
	require.NoError(t, err)
	assert.Len(t, []rune(long.Nick), MaxNickLen)
}

func TestJoin_FirstLogLineIsNewGame(t *testing.T) {
	s := NewState("123456", t0, 0)
	_, err := s.Join("c1", "alice", TeamA, t0)
	require.NoError(t, err)

	require.Len(t, s.Log, 2)
	assert.Equal(t, "new game", s.Log[0].Text)
	assert.Contains(t, s.Log[1].Text, "alice")
}

func TestJoin_AutoAssignsSmallerTeam(t *testing.T) {
	s := NewState("123456", t0, 0)
	_, err := s.Join("c1", "alice", TeamA, t0)
	require.NoError(t, err)

	p, err := s.Join("c2", "bob", "spectator", t0)
	require.NoError(t, err)
	assert.Equal(t, TeamB, p.Team)

	// tie goes to A
	p3, err := s.Join("c3", "carol", "", t0)
	require.NoError(t, err)
	assert.Equal(t, TeamA, p3.Team)
}

func TestStartMatch_DurationHandling(t *testing.T) {
	cases := []struct {
		name    string
		seconds float64
		want    time.Duration
		wantErr error
	}{
		{"default", 0, DefaultDuration, nil},
		{"clamped low", 5, MinDuration, nil},
		{"clamped high", 100000, MaxDuration, nil},
		{"in range", 60, 60 * time.Second, nil},
		{"negative", -1, 0, ErrInvalidDuration},
		{"nan", math.NaN(), 0, ErrInvalidDuration},
		{"inf", math.Inf(1), 0, ErrInvalidDuration},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewState("123456", t0, 0)
			_, err := s.StartMatch(tc.seconds, t0)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				assert.False(t, s.Match.InProgress)
				return
			}
			require.NoError(t, err)
			assert.True(t, s.Match.InProgress)
			assert.Equal(t, tc.want, s.Match.Duration)
			assert.Equal(t, t0.Add(tc.want), s.Match.EndsAt)
		})
	}
}

func TestStartMatch_AlreadyInProgress(t *testing.T) {
	s, _, _ := newDuel(t)
	_, err := s.StartMatch(60, t0)
	require.ErrorIs(t, err, ErrMatchInProgress)
}

func TestStartMatch_SilentReset(t *testing.T) {
	s, a, _ := newDuel(t)
	_, err := s.Throw(a, t0, pickFirst)
	require.NoError(t, err)
	require.Equal(t, StartSnow-1, s.Teams[TeamA].Snow)

	// knock the match over, then start a new one
	s.Finished = true
	s.Match.InProgress = false
	events, err := s.StartMatch(30, t0.Add(time.Minute))
	require.NoError(t, err)

	assert.False(t, s.Finished)
	assert.Equal(t, WinnerNone, s.Winner)
	assert.Equal(t, StartSnow, s.Teams[TeamA].Snow)
	assert.Equal(t, StartHP, s.Teams[TeamB].HP)
	for _, e := range events {
		assert.NotEqual(t, EvtReset, e.Kind, "start must not emit a reset event")
	}
}

func TestThrow_Gates(t *testing.T) {
	s := NewState("123456", t0, 0)
	a, err := s.Join("conn-a", "alice", TeamA, t0)
	require.NoError(t, err)
	_, err = s.Join("conn-b", "bob", TeamB, t0)
	require.NoError(t, err)

	_, err = s.Throw(a, t0, pickFirst)
	require.ErrorIs(t, err, ErrMatchNotStarted)

	_, err = s.StartMatch(60, t0)
	require.NoError(t, err)
	_, err = s.Throw(a, t0, pickFirst)
	require.NoError(t, err)

	// 2000ms later: rejected with ~3000ms remaining
	_, err = s.Throw(a, t0.Add(2*time.Second), pickFirst)
	var cd *CooldownError
	require.ErrorAs(t, err, &cd)
	assert.Equal(t, 3*time.Second, cd.Remaining)
	assert.Equal(t, StartSnow-1, s.Teams[TeamA].Snow, "rejected throw must not spend snow")

	// at 5000ms: allowed again
	_, err = s.Throw(a, t0.Add(5*time.Second), pickFirst)
	require.NoError(t, err)

	s.Finished = true
	_, err = s.Throw(a, t0.Add(time.Minute), pickFirst)
	require.ErrorIs(t, err, ErrGameFinished)
}

func TestThrow_OutOfAmmo(t *testing.T) {
	s, a, _ := newDuel(t)
	s.Teams[TeamA].Snow = 0
	_, err := s.Throw(a, t0, pickFirst)
	require.ErrorIs(t, err, ErrOutOfAmmo)
	assert.Equal(t, StartHP, s.Teams[TeamB].HP)
}

func TestThrow_NoTargets(t *testing.T) {
	s, a, _ := newDuel(t)
	require.True(t, s.Disconnect("conn-b", t0))
	_, err := s.Throw(a, t0, pickFirst)
	require.ErrorIs(t, err, ErrNoTargets)
	assert.Equal(t, StartSnow, s.Teams[TeamA].Snow)
}

func TestThrow_KnockoutWinsMatch(t *testing.T) {
	s, a, _ := newDuel(t)

	now := t0
	for i := 0; i < StartHP; i++ {
		now = now.Add(ActionCooldown)
		events, err := s.Throw(a, now, pickFirst)
		require.NoError(t, err, "throw %d", i+1)
		if i < StartHP-1 {
			assert.False(t, s.Finished)
		} else {
			require.True(t, containsKindT(events, EvtFinish))
		}
	}

	assert.Equal(t, 0, s.Teams[TeamB].HP)
	assert.True(t, s.Finished)
	assert.Equal(t, WinnerA, s.Winner)
	assert.False(t, s.Match.InProgress)
	assert.Equal(t, StartSnow-StartHP, s.Teams[TeamA].Snow)
}

func TestShield_AbsorbsThenBreaks(t *testing.T) {
	s, a, b := newDuel(t)

	_, err := s.RaiseShield(b, t0)
	require.NoError(t, err)
	require.True(t, s.Teams[TeamB].Shield.VisibleAt(t0))

	// throws at t0, t0+5s, t0+10s all land inside the 15s shield window
	now := t0
	var breaks int
	for i := 0; i < ShieldHP; i++ {
		events, err := s.Throw(a, now, pickFirst)
		require.NoError(t, err)
		require.True(t, containsKindT(events, EvtShieldAbsorb), "throw %d should be absorbed", i+1)
		if containsKindT(events, EvtShieldBreak) {
			breaks++
		}
		assert.Equal(t, 0, s.Combo.Count, "absorbed attack must reset combo")
		now = now.Add(ActionCooldown)
	}

	assert.Equal(t, 1, breaks, "shield break fires exactly once")
	assert.Equal(t, StartHP, s.Teams[TeamB].HP, "absorbed throws never damage HP")
	assert.False(t, s.Teams[TeamB].Shield.VisibleAt(now))

	// next throw lands
	now = now.Add(ActionCooldown)
	events, err := s.Throw(a, now, pickFirst)
	require.NoError(t, err)
	require.True(t, containsKindT(events, EvtHit))
	assert.Equal(t, StartHP-1, s.Teams[TeamB].HP)
}

func TestShield_AlreadyActive(t *testing.T) {
	s, _, b := newDuel(t)
	_, err := s.RaiseShield(b, t0)
	require.NoError(t, err)
	_, err = s.RaiseShield(b, t0.Add(ActionCooldown))
	require.ErrorIs(t, err, ErrShieldActive)
}

func TestShield_LazyExpiryBeforeResolve(t *testing.T) {
	s, a, b := newDuel(t)
	_, err := s.RaiseShield(b, t0)
	require.NoError(t, err)

	// throw after the shield's clock ran out: it must not block
	now := t0.Add(ShieldDuration + time.Second)
	events, err := s.Throw(a, now, pickFirst)
	require.NoError(t, err)
	require.True(t, containsKindT(events, EvtHit))
	assert.Equal(t, StartHP-1, s.Teams[TeamB].HP)
	assert.False(t, s.Teams[TeamB].Shield.Active)
	assert.Equal(t, 0, s.Teams[TeamB].Shield.HP, "expiry clears integrity too")
}

func TestExpireShield_GenerationGuard(t *testing.T) {
	s, _, b := newDuel(t)
	sh, err := s.RaiseShield(b, t0)
	require.NoError(t, err)

	// a reset supersedes the shield; the old timer must no-op
	s.Reset(t0.Add(time.Second))
	assert.False(t, s.ExpireShield(TeamB, sh.Gen, t0.Add(ShieldDuration+time.Second)))

	// fresh shield, matching generation, after expiry: clears
	_, err = s.StartMatch(60, t0.Add(2*time.Second))
	require.NoError(t, err)
	sh2, err := s.RaiseShield(b, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.False(t, s.ExpireShield(TeamB, sh2.Gen, t0.Add(3*time.Second)), "not yet due")
	assert.True(t, s.ExpireShield(TeamB, sh2.Gen, t0.Add(2*time.Second).Add(ShieldDuration)))
	assert.False(t, s.Teams[TeamB].Shield.Active)
	assert.Equal(t, 0, s.Teams[TeamB].Shield.HP)
	assert.True(t, s.Teams[TeamB].Shield.Until.IsZero())
}

func TestCombo_WindowAndResets(t *testing.T) {
	s, a, b := newDuel(t)

	now := t0.Add(ActionCooldown)
	_, err := s.Throw(a, now, pickFirst)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Combo.Count)

	// within the window: streak grows
	now = now.Add(ActionCooldown)
	_, err = s.Throw(a, now, pickFirst)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Combo.Count)

	// gap beyond the window: back to 1
	now = now.Add(ComboWindow + time.Second)
	_, err = s.Throw(a, now, pickFirst)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Combo.Count)

	// other team lands one inside the window: their streak starts at 1
	now = now.Add(time.Second)
	_, err = s.Throw(b, now, pickFirst)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Combo.Count)
	assert.Equal(t, TeamB, s.Combo.LastBy)
}

func TestCombo_StreakLogged(t *testing.T) {
	s, a, _ := newDuel(t)

	now := t0.Add(ActionCooldown)
	_, err := s.Throw(a, now, pickFirst)
	require.NoError(t, err)
	_, err = s.Throw(a, now.Add(ActionCooldown), pickFirst)
	require.NoError(t, err)

	var streaks int
	for _, e := range s.Log {
		if e.Text == "team A is on a 2-hit streak" {
			streaks++
		}
	}
	assert.Equal(t, 1, streaks)
}

func TestTick_CountdownAndTimeoutWinner(t *testing.T) {
	s, a, _ := newDuel(t)
	gen := s.Match.Gen

	events, ok := s.Tick(gen, t0.Add(time.Second))
	require.True(t, ok)
	require.Len(t, events, 1)
	assert.Equal(t, EvtTick, events[0].Kind)
	assert.Equal(t, 59, events[0].Remaining)

	// stale generation is a silent no-op
	_, ok = s.Tick(gen-1, t0.Add(2*time.Second))
	assert.False(t, ok)

	// team A has more HP at the buzzer
	_, err := s.Throw(a, t0.Add(ActionCooldown), pickFirst)
	require.NoError(t, err)

	events, ok = s.Tick(gen, t0.Add(61*time.Second))
	require.True(t, ok)
	require.Len(t, events, 1)
	assert.Equal(t, EvtFinish, events[0].Kind)
	assert.Equal(t, WinnerA, s.Winner)
	assert.True(t, s.Finished)
	assert.False(t, s.Match.InProgress)
}

func TestTick_TimeoutDraw(t *testing.T) {
	s, _, _ := newDuel(t)
	events, ok := s.Tick(s.Match.Gen, t0.Add(2*time.Minute))
	require.True(t, ok)
	require.Len(t, events, 1)
	assert.Equal(t, WinnerDraw, events[0].Winner)
	assert.Equal(t, WinnerDraw, s.Winner)
}

func TestReset_RestoresEverything(t *testing.T) {
	s, a, b := newDuel(t)
	_, err := s.Throw(a, t0, pickFirst)
	require.NoError(t, err)
	_, err = s.RaiseShield(b, t0)
	require.NoError(t, err)

	now := t0.Add(10 * time.Second)
	events := s.Reset(now)
	require.Len(t, events, 1)
	assert.Equal(t, EvtReset, events[0].Kind)

	for _, id := range []TeamID{TeamA, TeamB} {
		assert.Equal(t, StartHP, s.Teams[id].HP)
		assert.Equal(t, StartSnow, s.Teams[id].Snow)
		assert.False(t, s.Teams[id].Shield.Active)
	}
	assert.Equal(t, Combo{}, s.Combo)
	assert.False(t, s.Match.InProgress)
	require.Len(t, s.Log, 1)
	assert.Equal(t, "new game", s.Log[0].Text)
	assert.True(t, a.LastActionAt.IsZero(), "cooldowns cleared")
	assert.True(t, b.LastActionAt.IsZero())
}

func TestDisconnect_KeepsRosterAccounting(t *testing.T) {
	s, _, _ := newDuel(t)
	hpBefore := s.Teams[TeamB].HP

	require.True(t, s.Disconnect("conn-b", t0))
	assert.False(t, s.Disconnect("conn-b", t0), "second disconnect is a no-op")
	assert.Equal(t, hpBefore, s.Teams[TeamB].HP)

	_, stillThere := s.Players["conn-b"]
	assert.True(t, stillThere, "player entry survives disconnect")

	snap := s.Snapshot(t0)
	for _, p := range snap.Players {
		assert.NotEqual(t, "conn-b", p.ID, "disconnected players leave the public listing")
	}
}

func TestEviction_PurgesLongGonePlayers(t *testing.T) {
	s := NewState("123456", t0, 10*time.Minute)
	_, err := s.Join("c1", "alice", TeamA, t0)
	require.NoError(t, err)
	_, err = s.Join("c2", "bob", TeamB, t0)
	require.NoError(t, err)
	require.True(t, s.Disconnect("c2", t0))

	_, err = s.StartMatch(60, t0)
	require.NoError(t, err)

	// not yet stale
	s.Tick(s.Match.Gen, t0.Add(time.Second))
	_, there := s.Players["c2"]
	assert.True(t, there)

	s.Match.EndsAt = t0.Add(time.Hour) // keep the match alive for the sweep
	s.Tick(s.Match.Gen, t0.Add(11*time.Minute))
	_, there = s.Players["c2"]
	assert.False(t, there, "disconnected player evicted after TTL")
}

func TestLog_BoundedRing(t *testing.T) {
	s := NewState("123456", t0, 0)
	for i := 0; i < LogCapacity+25; i++ {
		s.appendLog(t0, fmt.Sprintf("line %d", i))
	}
	require.Len(t, s.Log, LogCapacity)
	assert.Equal(t, "line 25", s.Log[0].Text, "oldest entries evicted first")
	assert.Equal(t, fmt.Sprintf("line %d", LogCapacity+24), s.Log[LogCapacity-1].Text)
}

func TestSnapshot_Fields(t *testing.T) {
	s, _, b := newDuel(t)
	_, err := s.RaiseShield(b, t0)
	require.NoError(t, err)

	now := t0.Add(10 * time.Second)
	snap := s.Snapshot(now)

	assert.Equal(t, "123456", snap.Code)
	assert.Equal(t, now.UnixMilli(), snap.ServerTime)
	assert.Equal(t, 50, snap.Match.Remaining)
	assert.Equal(t, float64(60), snap.Match.Duration)
	assert.True(t, snap.Teams[TeamB].Shield.Active)
	assert.Equal(t, ShieldHP, snap.Teams[TeamB].Shield.HP)
	require.Len(t, snap.Players, 2)
	assert.Equal(t, "alice", snap.Players[0].Nick)

	// past expiry the same stored shield renders inactive
	late := s.Snapshot(t0.Add(ShieldDuration + time.Second))
	assert.False(t, late.Teams[TeamB].Shield.Active)
}

func TestSnapshot_RemainingFloorsAtZero(t *testing.T) {
	s, _, _ := newDuel(t)
	snap := s.Snapshot(t0.Add(2 * time.Minute))
	assert.Equal(t, 0, snap.Match.Remaining)
}

func containsKindT(events []Event, kind EventKind) bool {
	for _, e := range events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

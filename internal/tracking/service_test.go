package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/sessiontrack/internal/timeutil"
)

var fixedNow = time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, opts ...Option) (*Service, *memStore) {
	t.Helper()
	store := newMemStore()
	n := 0
	base := []Option{
		WithClock(ClockFunc(func() time.Time { return fixedNow })),
		WithIDFunc(func() string {
			n++
			return fmt.Sprintf("sess-%d", n)
		}),
	}
	return NewService(store, append(base, opts...)...), store
}

func cmd(ts string) Command {
	return Command{App: "web", User: "alice", Time: ts}
}

func TestStartEnd_AccruesFullInterval(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	s, err := svc.Start(ctx, cmd("2024-01-15T09:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, "sess-1", s.ID)
	assert.Equal(t,
		time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC), s.CreatedAt)

	ended, err := svc.End(ctx, cmd("2024-01-15T09:30:00Z"))
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, ended.Status)
	assert.Equal(t, 1800.0, ended.TotalActiveTime)
	require.NotNil(t, ended.EndedAt)
	assert.Nil(t, ended.LastActive)
	require.Len(t, ended.Events, 2)
	assert.Equal(t, EventEnd, ended.Events[1].Kind)
	assert.Equal(t, "2024-01-15T09:30:00Z", ended.Events[1].EventTime)
}

func TestPauseResume_AccruesOnlyActiveIntervals(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Start(ctx, cmd("2024-01-15T09:00:00Z"))
	require.NoError(t, err)
	p, err := svc.Pause(ctx, cmd("2024-01-15T09:10:00Z"))
	require.NoError(t, err)
	assert.Equal(t, 600.0, p.TotalActiveTime)
	assert.Equal(t, StatusPaused, p.Status)

	_, err = svc.Resume(ctx, cmd("2024-01-15T09:20:00Z"))
	require.NoError(t, err)
	e, err := svc.End(ctx, cmd("2024-01-15T09:25:00Z"))
	require.NoError(t, err)
	assert.Equal(t, 900.0, e.TotalActiveTime)

	kinds := make([]EventKind, 0, len(e.Events))
	for _, ev := range e.Events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t,
		[]EventKind{EventStart, EventPause, EventResume, EventEnd}, kinds)
	assert.Equal(t, 4, e.Version)
}

func TestEndWhilePaused_NoAccrual(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Start(ctx, cmd("2024-01-15T09:00:00Z"))
	require.NoError(t, err)
	_, err = svc.Pause(ctx, cmd("2024-01-15T09:05:00Z"))
	require.NoError(t, err)
	e, err := svc.End(ctx, cmd("2024-01-15T10:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, 300.0, e.TotalActiveTime)
	assert.Equal(t,
		time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), *e.EndedAt)
}

func TestInvalidTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("pause paused", func(t *testing.T) {
		svc, store := newTestService(t)
		_, err := svc.Start(ctx, cmd("2024-01-15T09:00:00Z"))
		require.NoError(t, err)
		_, err = svc.Pause(ctx, cmd("2024-01-15T09:10:00Z"))
		require.NoError(t, err)

		_, err = svc.Pause(ctx, cmd("2024-01-15T09:20:00Z"))
		assert.ErrorIs(t, err, ErrInvalidTransition)
		s, _ := store.GetSession(ctx, "sess-1")
		assert.Equal(t, 600.0, s.TotalActiveTime)
		assert.Len(t, s.Events, 2)
	})

	t.Run("resume active", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Start(ctx, cmd("2024-01-15T09:00:00Z"))
		require.NoError(t, err)
		_, err = svc.Resume(ctx, cmd("2024-01-15T09:10:00Z"))
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("end twice", func(t *testing.T) {
		svc, store := newTestService(t)
		_, err := svc.Start(ctx, cmd("2024-01-15T09:00:00Z"))
		require.NoError(t, err)
		_, err = svc.End(ctx, cmd("2024-01-15T09:30:00Z"))
		require.NoError(t, err)
		before, _ := store.GetSession(ctx, "sess-1")

		c := cmd("2024-01-15T09:40:00Z")
		c.SessionID = "sess-1"
		_, err = svc.End(ctx, c)
		assert.ErrorIs(t, err, ErrInvalidTransition)

		after, _ := store.GetSession(ctx, "sess-1")
		assert.Equal(t, before, after)
	})

	t.Run("ended session is not open", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Start(ctx, cmd("2024-01-15T09:00:00Z"))
		require.NoError(t, err)
		_, err = svc.End(ctx, cmd("2024-01-15T09:30:00Z"))
		require.NoError(t, err)
		_, err = svc.Pause(ctx, cmd("2024-01-15T09:40:00Z"))
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestStart_DuplicateActiveSession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Start(ctx, cmd("2024-01-15T09:00:00Z"))
	require.NoError(t, err)
	_, err = svc.Start(ctx, cmd("2024-01-15T09:05:00Z"))
	assert.ErrorIs(t, err, ErrDuplicateActiveSession)

	// A different user of the same app is independent.
	other := cmd("2024-01-15T09:05:00Z")
	other.User = "bob"
	_, err = svc.Start(ctx, other)
	assert.NoError(t, err)

	// After ending, a new session may start.
	_, err = svc.End(ctx, cmd("2024-01-15T09:10:00Z"))
	require.NoError(t, err)
	_, err = svc.Start(ctx, cmd("2024-01-15T09:15:00Z"))
	assert.NoError(t, err)
}

func TestNonMonotonicTimestamp(t *testing.T) {
	ctx := context.Background()
	pause := func(s *Service, c Command) (*Session, error) {
		return s.Pause(ctx, c)
	}
	tests := []struct {
		name string
		prep func(*Service)
		op   func(*Service, Command) (*Session, error)
		ts   string
	}{
		{
			name: "pause before start",
			op:   pause,
			ts:   "2024-01-15T08:59:59Z",
		},
		{
			name: "end before start",
			op: func(s *Service, c Command) (*Session, error) {
				return s.End(ctx, c)
			},
			ts: "2024-01-15T08:00:00Z",
		},
		{
			name: "resume before pause",
			prep: func(s *Service) {
				_, _ = pause(s, cmd("2024-01-15T09:10:00Z"))
			},
			op: func(s *Service, c Command) (*Session, error) {
				return s.Resume(ctx, c)
			},
			ts: "2024-01-15T09:05:00Z",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store := newTestService(t)
			_, err := svc.Start(ctx, cmd("2024-01-15T09:00:00Z"))
			require.NoError(t, err)
			if tt.prep != nil {
				tt.prep(svc)
			}
			before, _ := store.GetSession(ctx, "sess-1")

			_, err = tt.op(svc, cmd(tt.ts))
			assert.ErrorIs(t, err, ErrNonMonotonicTimestamp)

			after, _ := store.GetSession(ctx, "sess-1")
			assert.Equal(t, before, after)
		})
	}
}

func TestTransitions_InvalidTimeFormat(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Start(ctx, cmd("15/01/2024 09:00"))
	assert.ErrorIs(t, err, timeutil.ErrInvalidTimeFormat)

	_, err = svc.Start(ctx, cmd("2024-01-15T09:00:00Z"))
	require.NoError(t, err)
	_, err = svc.Pause(ctx, cmd("later"))
	assert.ErrorIs(t, err, timeutil.ErrInvalidTimeFormat)
}

func TestLookup_SessionIDScope(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Start(ctx, cmd("2024-01-15T09:00:00Z"))
	require.NoError(t, err)

	_, err = svc.Pause(ctx, Command{
		App: "other", SessionID: "sess-1", Time: "2024-01-15T09:10:00Z",
	})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = svc.Pause(ctx, Command{
		App: "web", SessionID: "missing", Time: "2024-01-15T09:10:00Z",
	})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	s, err := svc.Pause(ctx, Command{
		App: "web", SessionID: "sess-1", Time: "2024-01-15T09:10:00Z",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, s.Status)

	_, err = svc.Start(ctx, Command{App: "web", Time: "2024-01-15T09:00:00Z"})
	assert.ErrorIs(t, err, ErrMissingScope)
}

func TestLookup_SessionIDRequiresApp(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	_, err := svc.Start(ctx, cmd("2024-01-15T09:00:00Z"))
	require.NoError(t, err)

	for _, app := range []string{"", "  "} {
		_, err = svc.Pause(ctx, Command{
			App: app, User: "alice", SessionID: "sess-1",
			Time: "2024-01-15T09:10:00Z",
		})
		assert.ErrorIs(t, err, ErrMissingScope)
	}
	_, err = svc.End(ctx, Command{
		SessionID: "sess-1", Time: "2024-01-15T09:10:00Z",
	})
	assert.ErrorIs(t, err, ErrMissingScope)

	s, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, s.Status)
	assert.Len(t, s.Events, 1)

	// The id with its own app needs no user.
	s, err = svc.Pause(ctx, Command{
		App: "web", SessionID: "sess-1", Time: "2024-01-15T09:10:00Z",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, s.Status)
}

func TestTimestamps_AccrueAtMillisecondPrecision(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Start(ctx, cmd("2024-01-15T09:00:00.0004"))
	require.NoError(t, err)
	p, err := svc.Pause(ctx, cmd("2024-01-15T09:00:01.0009"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, p.TotalActiveTime)
	assert.Equal(t, 0, p.Events[1].Timestamp.Nanosecond()%int(time.Millisecond))
}

func TestConcurrentPause_ExactlyOneWins(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	_, err := svc.Start(ctx, cmd("2024-01-15T09:00:00Z"))
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.Pause(ctx, cmd("2024-01-15T09:10:00Z"))
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidTransition)
	}
	assert.Equal(t, 1, wins)

	s, _ := store.GetSession(ctx, "sess-1")
	assert.Equal(t, 600.0, s.TotalActiveTime)
	assert.Len(t, s.Events, 2)
}

func TestRecordVisit(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	v, err := svc.RecordVisit(ctx, VisitInput{
		App: "web", User: "alice", Page: "home", TimeSpent: 60,
	})
	require.NoError(t, err)
	assert.Equal(t, fixedNow, v.Timestamp)

	_, err = svc.RecordVisit(ctx, VisitInput{
		App: "web", User: "alice", Page: "home", TimeSpent: 30,
		Time: "2024-01-10T08:00:00Z",
	})
	require.NoError(t, err)
	assert.Len(t, store.visits, 2)

	bad := []VisitInput{
		{App: "web", User: "alice", Page: "home", TimeSpent: -1},
		{App: "web", User: "  ", Page: "home"},
		{App: "web", User: "alice", Page: ""},
		{User: "alice", Page: "home"},
	}
	for _, in := range bad {
		_, err := svc.RecordVisit(ctx, in)
		assert.ErrorIs(t, err, ErrInvalidPageVisit, "%+v", in)
	}
	assert.Len(t, store.visits, 2)

	_, err = svc.RecordVisit(ctx, VisitInput{
		App: "web", User: "alice", Page: "home", Time: "noon",
	})
	assert.ErrorIs(t, err, timeutil.ErrInvalidTimeFormat)
}

func TestStoreTimeout_MapsToStoreUnavailable(t *testing.T) {
	svc, store := newTestService(t, WithStoreTimeout(20*time.Millisecond))
	store.block = true

	_, err := svc.Start(context.Background(), cmd("2024-01-15T09:00:00Z"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.True(t, Retryable(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = svc.Start(ctx, cmd("2024-01-15T09:00:00Z"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, Retryable(err))
	assert.False(t, errors.Is(err, ErrStoreUnavailable))
}

func TestTimeRangeContains(t *testing.T) {
	now := fixedNow
	r := &TimeRange{From: now.Add(-time.Hour), To: now}
	assert.True(t, r.Contains(now))
	assert.False(t, r.Contains(now.Add(-time.Hour)))
	assert.True(t, r.Contains(now.Add(-time.Hour+time.Second)))
	assert.False(t, r.Contains(now.Add(time.Second)))

	var open *TimeRange
	assert.True(t, open.Contains(time.Time{}))
}

func TestGetSession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Start(ctx, cmd("2024-01-15T09:00:00Z"))
	require.NoError(t, err)

	s, err := svc.GetSession(ctx, "web", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", s.User)

	s, err = svc.GetSession(ctx, "", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "web", s.App)

	_, err = svc.GetSession(ctx, "mobile", "sess-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = svc.GetSession(ctx, "web", "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

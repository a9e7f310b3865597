package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/demandhub/internal/demand"
	"github.com/dyluth/demandhub/pkg/realtime"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingPublisher captures published row changes.
type recordingPublisher struct {
	mu      sync.Mutex
	changes []*realtime.RowChange
	err     error
}

func (p *recordingPublisher) PublishRowChange(ctx context.Context, change *realtime.RowChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, change)
	return p.err
}

func (p *recordingPublisher) get() []*realtime.RowChange {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*realtime.RowChange(nil), p.changes...)
}

func setupTestStore(t *testing.T) (*Store, *recordingPublisher, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	pub := &recordingPublisher{}
	s, err := New(&redis.Options{Addr: mr.Addr()}, "test-instance", pub)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s, pub, mr
}

func newDemand(teamID, title string) *demand.Demand {
	return &demand.Demand{
		ID:      uuid.New().String(),
		TeamID:  teamID,
		BoardID: "board-1",
		Title:   title,
		Status:  demand.StatusTodo,
	}
}

func TestNew(t *testing.T) {
	_, err := New(&redis.Options{Addr: "localhost:6379"}, "", nil)
	assert.Error(t, err)
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()

	t.Run("round trips a demand", func(t *testing.T) {
		s, pub, _ := setupTestStore(t)
		d := newDemand("team-1", "Ship it")

		require.NoError(t, s.Create(ctx, d))
		assert.NotZero(t, d.CreatedAtMs)

		got, err := s.Get(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, d.Title, got.Title)
		assert.Equal(t, "team-1", got.TeamID)
		assert.False(t, got.Timer.Running())

		changes := pub.get()
		require.Len(t, changes, 1)
		assert.Equal(t, realtime.ChangeInsert, changes[0].Kind)
		assert.Equal(t, demand.Table, changes[0].Table)
		assert.Equal(t, d.ID, changes[0].RowID)
		assert.Equal(t, "team-1", changes[0].Columns["team_id"])
	})

	t.Run("duplicate id is a unique violation", func(t *testing.T) {
		s, pub, _ := setupTestStore(t)
		d := newDemand("team-1", "First")
		require.NoError(t, s.Create(ctx, d))

		dup := *d
		dup.Title = "Second"
		err := s.Create(ctx, &dup)
		require.Error(t, err)
		assert.Equal(t, CodeUniqueViolation, CodeOf(err))

		got, err := s.Get(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, "First", got.Title, "original row must survive")
		assert.Len(t, pub.get(), 1, "rejected write must not be announced")
	})

	t.Run("invalid demand is rejected", func(t *testing.T) {
		s, _, _ := setupTestStore(t)
		d := newDemand("team-1", "  ")

		err := s.Create(ctx, d)
		assert.Equal(t, CodeInvalidInput, CodeOf(err))
	})

	t.Run("missing demand", func(t *testing.T) {
		s, _, _ := setupTestStore(t)

		_, err := s.Get(ctx, uuid.New().String())
		assert.True(t, IsNotFound(err))
	})

	t.Run("publish failure does not fail the write", func(t *testing.T) {
		s, pub, _ := setupTestStore(t)
		pub.err = errors.New("boom")

		d := newDemand("team-1", "Durable")
		require.NoError(t, s.Create(ctx, d))

		_, err := s.Get(ctx, d.ID)
		assert.NoError(t, err)
	})
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("updates descriptive fields only", func(t *testing.T) {
		s, pub, _ := setupTestStore(t)
		d := newDemand("team-1", "Before")
		require.NoError(t, s.Create(ctx, d))

		anchor := time.UnixMilli(1_700_000_000_000)
		require.NoError(t, s.StartTimer(ctx, d.ID, anchor))

		edit := *d
		edit.Title = "After"
		edit.Status = demand.StatusReview
		edit.Timer = demand.TimerState{TimeInProgressSeconds: 999}
		require.NoError(t, s.Update(ctx, &edit))

		got, err := s.Get(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, "After", got.Title)
		assert.Equal(t, demand.StatusReview, got.Status)
		require.True(t, got.Timer.Running())
		assert.Equal(t, anchor.UnixMilli(), got.Timer.LastStartedAt.UnixMilli())
		assert.Zero(t, got.Timer.TimeInProgressSeconds)

		changes := pub.get()
		require.Len(t, changes, 3)
		assert.Equal(t, realtime.ChangeUpdate, changes[2].Kind)
		assert.Equal(t, "review", changes[2].Columns["status"])
	})

	t.Run("team is immutable", func(t *testing.T) {
		s, _, _ := setupTestStore(t)
		d := newDemand("team-1", "Pinned")
		require.NoError(t, s.Create(ctx, d))

		moved := *d
		moved.TeamID = "team-2"
		err := s.Update(ctx, &moved)
		assert.Equal(t, CodeInvalidInput, CodeOf(err))
	})

	t.Run("missing demand", func(t *testing.T) {
		s, _, _ := setupTestStore(t)
		err := s.Update(ctx, newDemand("team-1", "Ghost"))
		assert.Equal(t, CodeNotFound, CodeOf(err))
		assert.True(t, IsNotFound(err))
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s, pub, _ := setupTestStore(t)

	d := newDemand("team-1", "Doomed")
	require.NoError(t, s.Create(ctx, d))
	require.NoError(t, s.Delete(ctx, d.ID))

	_, err := s.Get(ctx, d.ID)
	assert.True(t, IsNotFound(err))

	list, err := s.ListByTeam(ctx, "team-1")
	require.NoError(t, err)
	assert.Empty(t, list)

	changes := pub.get()
	require.Len(t, changes, 2)
	assert.Equal(t, realtime.ChangeDelete, changes[1].Kind)
	assert.Equal(t, "team-1", changes[1].Columns["team_id"])

	err = s.Delete(ctx, d.ID)
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestListByTeam(t *testing.T) {
	ctx := context.Background()
	s, _, _ := setupTestStore(t)

	clock := time.UnixMilli(1_700_000_000_000)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	first := newDemand("team-1", "First")
	second := newDemand("team-1", "Second")
	other := newDemand("team-2", "Elsewhere")
	for _, d := range []*demand.Demand{first, second, other} {
		require.NoError(t, s.Create(ctx, d))
	}

	list, err := s.ListByTeam(ctx, "team-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)

	empty, err := s.ListByTeam(ctx, "team-3")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestListByBoard(t *testing.T) {
	ctx := context.Background()
	s, _, _ := setupTestStore(t)

	a := newDemand("team-1", "A")
	b := newDemand("team-1", "B")
	b.BoardID = "board-2"
	require.NoError(t, s.Create(ctx, a))
	require.NoError(t, s.Create(ctx, b))

	list, err := s.ListByBoard(ctx, "board-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)

	t.Run("moving a demand updates both boards", func(t *testing.T) {
		a.BoardID = "board-2"
		require.NoError(t, s.Update(ctx, a))

		list, err := s.ListByBoard(ctx, "board-1")
		require.NoError(t, err)
		assert.Empty(t, list)

		list, err = s.ListByBoard(ctx, "board-2")
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})

	t.Run("delete drops the board entry", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, b.ID))

		list, err := s.ListByBoard(ctx, "board-2")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, a.ID, list[0].ID)
	})
}

func TestTimerWrites(t *testing.T) {
	ctx := context.Background()
	s, _, _ := setupTestStore(t)

	a := newDemand("team-1", "A")
	b := newDemand("team-1", "B")
	require.NoError(t, s.Create(ctx, a))
	require.NoError(t, s.Create(ctx, b))

	anchor := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, s.StartTimer(ctx, a.ID, anchor))

	running, err := s.ListRunning(ctx, "team-1")
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, a.ID, running[0].ID)

	require.NoError(t, s.PauseTimer(ctx, a.ID, 130))
	// Re-applying the same pause is harmless
	require.NoError(t, s.PauseTimer(ctx, a.ID, 130))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, got.Timer.Running())
	assert.Equal(t, int64(130), got.Timer.TimeInProgressSeconds)

	running, err = s.ListRunning(ctx, "team-1")
	require.NoError(t, err)
	assert.Empty(t, running)

	err = s.PauseTimer(ctx, a.ID, -1)
	assert.Equal(t, CodeInvalidInput, CodeOf(err))

	err = s.StartTimer(ctx, uuid.New().String(), anchor)
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestScanIDs(t *testing.T) {
	ctx := context.Background()
	s, _, _ := setupTestStore(t)

	d1 := newDemand("team-1", "One")
	d1.ID = "abc12345-0000-4000-8000-000000000001"
	d2 := newDemand("team-1", "Two")
	d2.ID = "abc12399-0000-4000-8000-000000000002"
	d3 := newDemand("team-1", "Three")
	d3.ID = "def00000-0000-4000-8000-000000000003"
	for _, d := range []*demand.Demand{d1, d2, d3} {
		require.NoError(t, s.Create(ctx, d))
	}

	ids, err := s.ScanIDs(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, []string{d1.ID, d2.ID}, ids)

	ids, err = s.ScanIDs(ctx, "def")
	require.NoError(t, err)
	assert.Equal(t, []string{d3.ID}, ids)
}

func TestUnavailable(t *testing.T) {
	s, _, mr := setupTestStore(t)
	mr.Close()

	err := s.Create(context.Background(), newDemand("team-1", "Offline"))
	assert.Equal(t, CodeUnavailable, CodeOf(err))
}

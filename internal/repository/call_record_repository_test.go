package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nimasrn/outbound-caller/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCall(room, name, phone string) *model.CallRecord {
	return &model.CallRecord{
		RoomName:      room,
		CustomerName:  name,
		CustomerPhone: phone,
		Status:        model.CallStatusPending,
	}
}

func TestCallRecordRepository_Create(t *testing.T) {
	repo := NewCallRecordRepository(NewTestDB(t))
	ctx := context.Background()

	t.Run("stores pending record", func(t *testing.T) {
		rec := newCall("outbound-0000000001", "Sam", "+15550001")
		rec.CustomerQuery = "billing"
		require.NoError(t, repo.Create(ctx, rec))
		assert.NotZero(t, rec.ID)

		got, err := repo.FindByRoom(ctx, "outbound-0000000001")
		require.NoError(t, err)
		assert.Equal(t, model.CallStatusPending, got.Status)
		assert.Equal(t, "billing", got.CustomerQuery)
		assert.Nil(t, got.DispatchID)
	})

	t.Run("room name is never reused", func(t *testing.T) {
		err := repo.Create(ctx, newCall("outbound-0000000001", "Other", "+15550002"))
		assert.ErrorIs(t, err, ErrDuplicateRoom)
	})
}

func TestCallRecordRepository_SetDispatchID(t *testing.T) {
	repo := NewCallRecordRepository(NewTestDB(t))
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newCall("outbound-1", "Sam", "1")))

	require.NoError(t, repo.SetDispatchID(ctx, "outbound-1", "AD_1"))

	got, err := repo.FindByRoom(ctx, "outbound-1")
	require.NoError(t, err)
	require.NotNil(t, got.DispatchID)
	assert.Equal(t, "AD_1", *got.DispatchID)

	assert.ErrorIs(t, repo.SetDispatchID(ctx, "missing", "AD_2"), ErrCallNotFound)
}

func TestCallRecordRepository_Transition(t *testing.T) {
	repo := NewCallRecordRepository(NewTestDB(t))
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("pending to connected to completed", func(t *testing.T) {
		require.NoError(t, repo.Create(ctx, newCall("room-a", "Sam", "1")))

		rec, err := repo.Transition(ctx, model.CallTransition{RoomName: "room-a", To: model.CallStatusConnected, At: start})
		require.NoError(t, err)
		assert.Equal(t, model.CallStatusConnected, rec.Status)
		require.NotNil(t, rec.CallStart)

		rec, err = repo.Transition(ctx, model.CallTransition{
			RoomName:   "room-a",
			To:         model.CallStatusCompleted,
			At:         start.Add(95 * time.Second),
			Transcript: "agent: hello",
		})
		require.NoError(t, err)
		assert.Equal(t, model.CallStatusCompleted, rec.Status)
		require.NotNil(t, rec.Duration)
		assert.InDelta(t, 95.0, *rec.Duration, 0.001)
		assert.Equal(t, "agent: hello", rec.Transcript)
	})

	t.Run("terminal states do not move", func(t *testing.T) {
		_, err := repo.Transition(ctx, model.CallTransition{RoomName: "room-a", To: model.CallStatusFailed})
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("pending cannot complete yet", func(t *testing.T) {
		require.NoError(t, repo.Create(ctx, newCall("room-b", "Ana", "2")))
		_, err := repo.Transition(ctx, model.CallTransition{RoomName: "room-b", To: model.CallStatusCompleted})
		assert.ErrorIs(t, err, ErrTransitionAhead)
		assert.NotErrorIs(t, err, ErrInvalidTransition)

		rec, err := repo.FindByRoom(ctx, "room-b")
		require.NoError(t, err)
		assert.Equal(t, model.CallStatusPending, rec.Status)
	})

	t.Run("failure merges metadata", func(t *testing.T) {
		rec, err := repo.Transition(ctx, model.CallTransition{
			RoomName: "room-b",
			To:       model.CallStatusFailed,
			At:       start,
			Metadata: map[string]any{"failure_reason": "busy", "sip_status_code": "486"},
		})
		require.NoError(t, err)
		assert.Equal(t, model.CallStatusFailed, rec.Status)
		assert.Equal(t, "busy", rec.Metadata["failure_reason"])
		assert.Equal(t, "486", rec.Metadata["sip_status_code"])
		assert.NotNil(t, rec.CallEnd)
		assert.Nil(t, rec.Duration)
	})

	t.Run("unknown room", func(t *testing.T) {
		_, err := repo.Transition(ctx, model.CallTransition{RoomName: "nope", To: model.CallStatusConnected})
		assert.ErrorIs(t, err, ErrCallNotFound)
	})
}

func TestCallRecordRepository_List(t *testing.T) {
	db := NewTestDB(t)
	repo := NewCallRecordRepository(db)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		rec := newCall(fmt.Sprintf("room-%02d", i), fmt.Sprintf("Customer %02d", i), fmt.Sprintf("+1555%04d", i))
		if i%5 == 0 {
			rec.CustomerEmail = fmt.Sprintf("vip%d@example.com", i)
		}
		require.NoError(t, repo.Create(ctx, rec))
		require.NoError(t, db.Write(ctx).Model(&CallRecordEntity{}).
			Where("room_name = ?", rec.RoomName).
			Update("created_at", base.Add(time.Duration(i)*time.Minute)).Error)
	}
	_, err := repo.Transition(ctx, model.CallTransition{RoomName: "room-03", To: model.CallStatusFailed})
	require.NoError(t, err)

	t.Run("default page is newest ten", func(t *testing.T) {
		page, err := repo.List(ctx, model.CallFilter{})
		require.NoError(t, err)
		assert.Equal(t, int64(25), page.Total)
		assert.Equal(t, 3, page.Pages)
		require.Len(t, page.Items, 10)
		assert.Equal(t, "room-24", page.Items[0].RoomName)
	})

	t.Run("last page", func(t *testing.T) {
		page, err := repo.List(ctx, model.CallFilter{Page: 3})
		require.NoError(t, err)
		assert.Len(t, page.Items, 5)
		assert.Equal(t, "room-00", page.Items[4].RoomName)
	})

	t.Run("status filter", func(t *testing.T) {
		failed := model.CallStatusFailed
		page, err := repo.List(ctx, model.CallFilter{Status: &failed})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, "room-03", page.Items[0].RoomName)
	})

	t.Run("search is case insensitive over name phone and email", func(t *testing.T) {
		page, err := repo.List(ctx, model.CallFilter{Search: "customer 1"})
		require.NoError(t, err)
		assert.Equal(t, int64(10), page.Total)

		page, err = repo.List(ctx, model.CallFilter{Search: "+15550007"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), page.Total)

		page, err = repo.List(ctx, model.CallFilter{Search: "VIP"})
		require.NoError(t, err)
		assert.Equal(t, int64(5), page.Total)
	})

	t.Run("per page is capped", func(t *testing.T) {
		page, err := repo.List(ctx, model.CallFilter{PerPage: 1000})
		require.NoError(t, err)
		assert.Equal(t, model.MaxPerPage, page.PerPage)
	})
}

func TestCallRecordRepository_Stats(t *testing.T) {
	repo := NewCallRecordRepository(NewTestDB(t))
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		require.NoError(t, repo.Create(ctx, newCall(fmt.Sprintf("r-%d", i), "n", "p")))
	}
	_, err := repo.Transition(ctx, model.CallTransition{RoomName: "r-0", To: model.CallStatusFailed})
	require.NoError(t, err)
	_, err = repo.Transition(ctx, model.CallTransition{RoomName: "r-1", To: model.CallStatusConnected})
	require.NoError(t, err)
	_, err = repo.Transition(ctx, model.CallTransition{RoomName: "r-1", To: model.CallStatusCompleted})
	require.NoError(t, err)

	stats, err := repo.Stats(ctx, 10)
	require.NoError(t, err)

	assert.Equal(t, int64(12), stats.Total)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(10), stats.Pending)
	assert.Len(t, stats.RecentCalls, 10)
}

func TestCallRecordRepository_StalePending(t *testing.T) {
	db := NewTestDB(t)
	repo := NewCallRecordRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newCall("old", "n", "p")))
	require.NoError(t, repo.Create(ctx, newCall("fresh", "n", "p")))
	require.NoError(t, db.Write(ctx).Model(&CallRecordEntity{}).
		Where("room_name = ?", "old").
		Update("created_at", time.Now().Add(-time.Hour)).Error)

	rooms, err := repo.StalePending(ctx, time.Now().Add(-15*time.Minute), 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, rooms)
}

func TestCallRecordRepository_StaleConnected(t *testing.T) {
	repo := NewCallRecordRepository(NewTestDB(t))
	ctx := context.Background()
	now := time.Now()

	for _, room := range []string{"long", "short", "waiting"} {
		require.NoError(t, repo.Create(ctx, newCall(room, "n", "p")))
	}
	_, err := repo.Transition(ctx, model.CallTransition{RoomName: "long", To: model.CallStatusConnected, At: now.Add(-2 * time.Hour)})
	require.NoError(t, err)
	_, err = repo.Transition(ctx, model.CallTransition{RoomName: "short", To: model.CallStatusConnected, At: now.Add(-time.Minute)})
	require.NoError(t, err)

	rooms, err := repo.StaleConnected(ctx, now.Add(-time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"long"}, rooms)
}

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creamcroissant/subrelay/internal/bootstrap"
	"github.com/creamcroissant/subrelay/internal/repository"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := bootstrap.OpenAndMigrate(context.Background(), filepath.Join(t.TempDir(), "repo.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestUserSubscriptionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	users := store.UserSubscriptions()

	user := &repository.UserSubscription{
		ID:               "u-1",
		Token:            "tok-1",
		SubscribeURL:     "https://airport.example/sub?token=abc",
		Target:           "clash",
		MultiPortRegions: []string{"TW", "SG"},
		AppendSubscriptions: []repository.SubConfig{
			{Name: "extra", URL: "https://extra.example/sub"},
		},
		ExcludePattern: "过期|剩余",
	}
	require.NoError(t, users.Save(ctx, user))
	assert.NotZero(t, user.CreatedAt)

	got, err := users.FindByToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, user.SubscribeURL, got.SubscribeURL)
	assert.Equal(t, []string{"TW", "SG"}, got.MultiPortRegions)
	assert.Equal(t, user.AppendSubscriptions, got.AppendSubscriptions)
	assert.False(t, got.Disabled)

	user.Disabled = true
	user.MultiPortRegions = nil
	require.NoError(t, users.Save(ctx, user))
	got, err = users.FindByID(ctx, "u-1")
	require.NoError(t, err)
	assert.True(t, got.Disabled)
	assert.Empty(t, got.MultiPortRegions)

	_, err = users.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestUserSubscriptionTokenConflict(t *testing.T) {
	ctx := context.Background()
	users := newTestStore(t).UserSubscriptions()

	require.NoError(t, users.Save(ctx, &repository.UserSubscription{ID: "a", Token: "same", SubscribeURL: "https://a.example"}))
	err := users.Save(ctx, &repository.UserSubscription{ID: "b", Token: "same", SubscribeURL: "https://b.example"})
	assert.ErrorIs(t, err, repository.ErrConflict)
}

func TestUserSubscriptionList(t *testing.T) {
	ctx := context.Background()
	users := newTestStore(t).UserSubscriptions()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, users.Save(ctx, &repository.UserSubscription{ID: id, Token: "t-" + id, SubscribeURL: "https://x.example"}))
	}

	page, err := users.List(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "a", page[0].ID)

	page, err = users.List(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "c", page[0].ID)
}

func TestSubscriptionLogs(t *testing.T) {
	ctx := context.Background()
	logs := newTestStore(t).SubscriptionLogs()
	now := time.Now().Unix()

	require.NoError(t, logs.Log(ctx, &repository.SubscriptionLog{UserID: "u", Status: 200, CreatedAt: now - 7200}))
	require.NoError(t, logs.Log(ctx, &repository.SubscriptionLog{UserID: "u", Status: 502, Mode: "multiPort", CreatedAt: now}))
	require.NoError(t, logs.Log(ctx, &repository.SubscriptionLog{UserID: "other", Status: 200}))

	recent, err := logs.GetRecentLogs(ctx, "u", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, 502, recent[0].Status)
	assert.Equal(t, "multiPort", recent[0].Mode)

	deleted, err := logs.DeleteBefore(ctx, now-3600)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	recent, err = logs.GetRecentLogs(ctx, "u", 0)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

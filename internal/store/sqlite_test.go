package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/cardwire/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "cardwire.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndGetApp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	app := &domain.App{
		ID:          "app1",
		Name:        "Predictions",
		ToolName:    "alpharank_latest_predictions",
		ToolFamily:  "alpharank",
		SignatureID: "ranked_predictions_table",
		Actions:     []string{"latest_predictions", "symbol_detail"},
	}
	require.NoError(t, s.SaveApp(ctx, app))
	assert.False(t, app.CreatedAt.IsZero())

	got, err := s.GetApp(ctx, "app1")
	require.NoError(t, err)
	assert.Equal(t, "Predictions", got.Name)
	assert.Equal(t, []string{"latest_predictions", "symbol_detail"}, got.Actions)
	assert.False(t, got.Exported())

	app.Name = "Renamed"
	require.NoError(t, s.SaveApp(ctx, app))
	got, err = s.GetApp(ctx, "app1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, app.CreatedAt.Unix(), got.CreatedAt.Unix())
}

func TestGetAppNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetApp(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrAppNotFound))
	assert.ErrorIs(t, s.MarkAppExported(context.Background(), "missing", "/tmp/x"), ErrAppNotFound)
}

func TestListAndDeleteApps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	apps, err := s.ListApps(ctx)
	require.NoError(t, err)
	assert.Empty(t, apps)

	base := time.Unix(1_700_000_000, 0)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.SaveApp(ctx, &domain.App{ID: id, Name: id, CreatedAt: base.Add(time.Duration(i) * time.Minute)}))
	}

	apps, err = s.ListApps(ctx)
	require.NoError(t, err)
	require.Len(t, apps, 3)
	assert.Equal(t, "c", apps[0].ID)
	assert.Equal(t, "a", apps[2].ID)
	assert.NotNil(t, apps[0].Actions)

	n, err := s.DeleteAllApps(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	n, err = s.DeleteAllApps(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMarkAppExportedSurvivesResave(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	app := &domain.App{ID: "x", Name: "X"}
	require.NoError(t, s.SaveApp(ctx, app))
	require.NoError(t, s.MarkAppExported(ctx, "x", "/exports/x.yaml"))

	require.NoError(t, s.SaveApp(ctx, &domain.App{ID: "x", Name: "X2"}))
	got, err := s.GetApp(ctx, "x")
	require.NoError(t, err)
	assert.True(t, got.Exported())
	assert.Equal(t, "/exports/x.yaml", got.ExportedPath)
}

func TestChatHistoryWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three", "four"} {
		require.NoError(t, s.AppendChat(ctx, &domain.ChatEntry{SessionKey: "s1", Role: "user", Text: text}))
	}
	require.NoError(t, s.AppendChat(ctx, &domain.ChatEntry{SessionKey: "s2", Role: "user", Text: "other", CardID: "card-9"}))

	entries, err := s.ListChat(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "three", entries[0].Text)
	assert.Equal(t, "four", entries[1].Text)
	assert.Less(t, entries[0].ID, entries[1].ID)

	entries, err = s.ListChat(ctx, "s2", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "card-9", entries[0].CardID)

	entries, err = s.ListChat(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWithRetryGivesUpOnBusy(t *testing.T) {
	s := newTestStore(t)
	calls := 0
	err := s.withRetry(context.Background(), "busy op", func() error {
		calls++
		return errors.New("database is locked (5) (SQLITE_BUSY)")
	})
	require.Error(t, err)
	assert.Equal(t, maxRetries, calls)
	assert.Contains(t, err.Error(), "after 3 attempts")

	calls = 0
	err = s.withRetry(context.Background(), "plain op", func() error {
		calls++
		return errors.New("constraint failed")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

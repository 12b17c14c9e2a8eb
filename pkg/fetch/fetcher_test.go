package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catadump/pkg/api"
	"catadump/pkg/domain"
	"catadump/pkg/state"
	"catadump/pkg/store"
)

type mockClient struct {
	games       func(platformID int64, offset, limit int) (domain.Page, error)
	details     func(gameID, platformID int64) (json.RawMessage, error)
	gameOffsets []int
	detailIDs   []int64
}

func (m *mockClient) Games(_ context.Context, platformID int64, offset, limit int) (domain.Page, error) {
	m.gameOffsets = append(m.gameOffsets, offset)
	if m.games == nil {
		return domain.Page{}, nil
	}
	return m.games(platformID, offset, limit)
}

func (m *mockClient) GameDetails(_ context.Context, gameID, platformID int64) (json.RawMessage, error) {
	m.detailIDs = append(m.detailIDs, gameID)
	if m.details == nil {
		return json.RawMessage(`{}`), nil
	}
	return m.details(gameID, platformID)
}

// record builds a listing record the way the API delivers it, with retained
// raw bytes.
func record(t *testing.T, id int64, extra string) domain.Record {
	t.Helper()
	src := fmt.Sprintf(`{"game_id":%d,"title":"game %d"%s}`, id, id, extra)
	var rec domain.Record
	require.NoError(t, json.Unmarshal([]byte(src), &rec))
	return rec
}

// pagedClient serves records in fixed pages of the given size, the last
// page short or empty.
func pagedClient(t *testing.T, recs []domain.Record, pageSize int) *mockClient {
	t.Helper()
	return &mockClient{games: func(_ int64, offset, limit int) (domain.Page, error) {
		require.Equal(t, pageSize, limit)
		if offset >= len(recs) {
			return domain.Page{}, nil
		}
		end := min(offset+limit, len(recs))
		return domain.Page{Games: recs[offset:end]}, nil
	}}
}

func newTestFetcher(client Client, st store.Store, pageSize int) (*Fetcher, *state.Tracker) {
	tracker := state.NewTracker(st)
	f := New(client, st, tracker, pageSize, 0)
	f.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return f, tracker
}

func TestFetcher_FetchListing(t *testing.T) {
	recs := []domain.Record{
		record(t, 1, `,"sample_screenshots":[{"image":"x"}]`),
		record(t, 2, ""), record(t, 3, ""), record(t, 4, ""), record(t, 5, ""),
	}
	st := store.NewMemStore()
	client := pagedClient(t, recs, 2)
	f, tracker := newTestFetcher(client, st, 2)

	require.NoError(t, f.FetchListing(context.Background(), 3, "Linux"))

	assert.Equal(t, []int{0, 2, 4}, client.gameOffsets, "pages requested in offset order")
	keys, err := st.Keys(3, store.Listing)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 2, 4}, keys, "every page cached at its request offset")

	comp, err := tracker.Load(3)
	require.NoError(t, err)
	assert.True(t, comp.Stage1Done, "short final page ends stage 1")
	assert.False(t, comp.Stage2Done)

	var page domain.Page
	require.NoError(t, st.Get(3, store.Listing, 0, &page))
	require.Len(t, page.Games, 2)
	assert.NotContains(t, string(page.Games[0].Raw()), "sample_screenshots", "heavy fields stripped before caching")
}

func TestFetcher_FetchListingResume(t *testing.T) {
	recs := make([]domain.Record, 0, 5)
	for id := int64(1); id <= 5; id++ {
		recs = append(recs, record(t, id, ""))
	}
	st := store.NewMemStore()
	// a previous run cached the first two full pages before dying
	require.NoError(t, st.Put(3, store.Listing, 0, domain.Page{Games: recs[0:2]}))
	require.NoError(t, st.Put(3, store.Listing, 2, domain.Page{Games: recs[2:4]}))

	client := pagedClient(t, recs, 2)
	f, _ := newTestFetcher(client, st, 2)

	require.NoError(t, f.FetchListing(context.Background(), 3, "Linux"))
	assert.Equal(t, []int{4}, client.gameOffsets, "resume starts one page past the highest cached offset")
}

func TestFetcher_FetchListingExactPageBoundary(t *testing.T) {
	// catalog size is an exact multiple of the page size, so the end only
	// shows as an empty page past the last full one
	recs := []domain.Record{record(t, 1, ""), record(t, 2, ""), record(t, 3, ""), record(t, 4, "")}
	st := store.NewMemStore()
	client := pagedClient(t, recs, 2)
	f, tracker := newTestFetcher(client, st, 2)

	require.NoError(t, f.FetchListing(context.Background(), 3, "Linux"))

	assert.Equal(t, []int{0, 2, 4}, client.gameOffsets)
	keys, err := st.Keys(3, store.Listing)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 2}, keys, "the empty tail page is never cached")

	comp, err := tracker.Load(3)
	require.NoError(t, err)
	assert.True(t, comp.Stage1Done)

	games, err := f.ListedGames(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, games, 4)
}

func TestFetcher_FetchListingSkipsWhenDone(t *testing.T) {
	st := store.NewMemStore()
	client := &mockClient{}
	f, tracker := newTestFetcher(client, st, 100)
	require.NoError(t, tracker.Save(3, state.Completion{Stage1Done: true}))

	require.NoError(t, f.FetchListing(context.Background(), 3, "Linux"))
	assert.Empty(t, client.gameOffsets, "finished stage issues no requests")
}

func TestFetcher_FetchListingEmptyPlatform(t *testing.T) {
	st := store.NewMemStore()
	require.NoError(t, st.Put(3, store.Detail, 42, json.RawMessage(`{}`)))

	client := &mockClient{} // every page empty
	f, _ := newTestFetcher(client, st, 100)

	err := f.FetchListing(context.Background(), 3, "Linux")
	assert.ErrorIs(t, err, ErrEmptyPlatform)

	keys, kerr := st.Keys(3, store.Detail)
	require.NoError(t, kerr)
	assert.Empty(t, keys, "an empty first page wipes the platform's cache")
}

func TestFetcher_FetchDetails(t *testing.T) {
	recs := []domain.Record{record(t, 1, ""), record(t, 2, ""), record(t, 3, "")}
	st := store.NewMemStore()
	require.NoError(t, st.Put(3, store.Listing, 0, domain.Page{Games: recs}))

	client := &mockClient{details: func(gameID, _ int64) (json.RawMessage, error) {
		return json.RawMessage(fmt.Sprintf(`{"detail_for":%d}`, gameID)), nil
	}}
	f, tracker := newTestFetcher(client, st, 100)

	require.NoError(t, f.FetchDetails(context.Background(), 3, "Linux"))
	assert.Equal(t, []int64{1, 2, 3}, client.detailIDs)

	var raw json.RawMessage
	require.NoError(t, st.Get(3, store.Detail, 2, &raw))
	assert.JSONEq(t, `{"detail_for":2}`, string(raw))

	comp, err := tracker.Load(3)
	require.NoError(t, err)
	assert.True(t, comp.Stage2Done)

	t.Run("idempotent re-run", func(t *testing.T) {
		comp.Stage2Done = false
		require.NoError(t, tracker.Save(3, comp))
		client.detailIDs = nil

		require.NoError(t, f.FetchDetails(context.Background(), 3, "Linux"))
		assert.Empty(t, client.detailIDs, "cached ids issue zero requests")
	})
}

func TestFetcher_FetchDetailsResume(t *testing.T) {
	recs := []domain.Record{record(t, 1, ""), record(t, 2, ""), record(t, 3, "")}
	st := store.NewMemStore()
	require.NoError(t, st.Put(3, store.Listing, 0, domain.Page{Games: recs}))
	require.NoError(t, st.Put(3, store.Detail, 1, json.RawMessage(`{}`)))
	require.NoError(t, st.Put(3, store.Detail, 2, json.RawMessage(`{}`)))

	client := &mockClient{}
	f, _ := newTestFetcher(client, st, 100)

	require.NoError(t, f.FetchDetails(context.Background(), 3, "Linux"))
	assert.Equal(t, []int64{3}, client.detailIDs, "only the uncached id is requested")
}

func TestFetcher_FetchDetailsNotFound(t *testing.T) {
	recs := []domain.Record{record(t, 1, ""), record(t, 2, "")}
	st := store.NewMemStore()
	require.NoError(t, st.Put(3, store.Listing, 0, domain.Page{Games: recs}))

	client := &mockClient{details: func(gameID, _ int64) (json.RawMessage, error) {
		if gameID == 1 {
			return nil, api.ErrNotFound
		}
		return json.RawMessage(`{}`), nil
	}}
	f, tracker := newTestFetcher(client, st, 100)

	require.NoError(t, f.FetchDetails(context.Background(), 3, "Linux"))

	keys, err := st.Keys(3, store.Detail)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, keys, "a renumbered game is skipped, not cached")

	comp, err := tracker.Load(3)
	require.NoError(t, err)
	assert.True(t, comp.Stage2Done, "missing games don't block stage 2 completion")
}

func TestFetcher_FetchDetail(t *testing.T) {
	t.Run("overwrites cached copy", func(t *testing.T) {
		st := store.NewMemStore()
		require.NoError(t, st.Put(3, store.Detail, 42, json.RawMessage(`{"old":true}`)))

		client := &mockClient{details: func(int64, int64) (json.RawMessage, error) {
			return json.RawMessage(`{"new":true}`), nil
		}}
		f, _ := newTestFetcher(client, st, 100)

		require.NoError(t, f.FetchDetail(context.Background(), 3, 42))
		var raw json.RawMessage
		require.NoError(t, st.Get(3, store.Detail, 42, &raw))
		assert.JSONEq(t, `{"new":true}`, string(raw))
	})

	t.Run("404 removes stale entry", func(t *testing.T) {
		st := store.NewMemStore()
		require.NoError(t, st.Put(3, store.Detail, 42, json.RawMessage(`{"old":true}`)))

		client := &mockClient{details: func(int64, int64) (json.RawMessage, error) {
			return nil, api.ErrNotFound
		}}
		f, _ := newTestFetcher(client, st, 100)

		require.NoError(t, f.FetchDetail(context.Background(), 3, 42))
		var raw json.RawMessage
		assert.ErrorIs(t, st.Get(3, store.Detail, 42, &raw), store.ErrNotFound)
	})
}

func TestFetcher_ListedGames(t *testing.T) {
	recs := make([]domain.Record, 0, 5)
	for id := int64(1); id <= 5; id++ {
		recs = append(recs, record(t, id, ""))
	}
	st := store.NewMemStore()
	require.NoError(t, st.Put(3, store.Listing, 0, domain.Page{Games: recs[0:2]}))
	require.NoError(t, st.Put(3, store.Listing, 2, domain.Page{Games: recs[2:4]}))
	require.NoError(t, st.Put(3, store.Listing, 4, domain.Page{Games: recs[4:5]}))

	f, _ := newTestFetcher(&mockClient{}, st, 2)
	games, err := f.ListedGames(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, games, 5)
	assert.Equal(t, int64(1), games[0].GameID)
	assert.Equal(t, int64(5), games[4].GameID)
}

func TestFetcher_ListedGamesCorruptPage(t *testing.T) {
	recs := []domain.Record{record(t, 1, ""), record(t, 2, "")}
	st := store.NewMemStore()
	require.NoError(t, st.Put(3, store.Listing, 0, domain.Page{Games: recs}))
	st.Corrupt(3, store.Listing, 0)

	client := pagedClient(t, recs, 2)
	f, _ := newTestFetcher(client, st, 2)

	games, err := f.ListedGames(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, games, 2)
	assert.Equal(t, []int{0}, client.gameOffsets, "corrupt page re-fetched once")

	var page domain.Page
	require.NoError(t, st.Get(3, store.Listing, 0, &page), "re-fetched page overwrites the corrupt one")
	assert.Len(t, page.Games, 2)
}

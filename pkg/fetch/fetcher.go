// Package fetch implements the two-stage download pipeline: Stage 1 pages
// through a platform's game listing, Stage 2 enriches every listed game
// with a per-game detail call. Both stages persist each unit of work to the
// cache store before moving on, so an interrupted run resumes at the first
// unfetched offset or game id.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-pkgz/lgr"

	"catadump/pkg/api"
	"catadump/pkg/domain"
	"catadump/pkg/state"
	"catadump/pkg/store"
)

// ErrEmptyPlatform means the first listing page came back with zero games.
// An empty result is indistinguishable from a misconfigured request, so the
// platform's cache is wiped and the run aborts rather than producing an
// empty dataset.
var ErrEmptyPlatform = errors.New("platform has no games")

// Client is the remote API surface the pipeline needs.
type Client interface {
	Games(ctx context.Context, platformID int64, offset, limit int) (domain.Page, error)
	GameDetails(ctx context.Context, gameID, platformID int64) (json.RawMessage, error)
}

// Fetcher runs the two download stages for a platform.
type Fetcher struct {
	client   Client
	store    store.Store
	tracker  *state.Tracker
	pageSize int
	rateGap  time.Duration // per-request pacing, used for the ETA estimate only
	now      func() time.Time
}

// New creates a fetcher. pageSize is the API's fixed listing page size.
func New(client Client, st store.Store, tracker *state.Tracker, pageSize int, rateGap time.Duration) *Fetcher {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Fetcher{
		client:   client,
		store:    st,
		tracker:  tracker,
		pageSize: pageSize,
		rateGap:  rateGap,
		now:      time.Now,
	}
}

// Download runs Stage 1 then Stage 2 for a platform. Stages that already
// finished are skipped.
func (f *Fetcher) Download(ctx context.Context, platformID int64, platformName string, skipDetails bool) error {
	lgr.Printf("[INFO] retrieving games for %s [id %d]", platformName, platformID)
	if err := f.FetchListing(ctx, platformID, platformName); err != nil {
		return err
	}
	if skipDetails {
		return nil
	}
	return f.FetchDetails(ctx, platformID, platformName)
}

// FetchListing is Stage 1: page through the listing endpoint from the
// first uncached offset until a short page signals the end.
func (f *Fetcher) FetchListing(ctx context.Context, platformID int64, platformName string) error {
	comp, err := f.tracker.Load(platformID)
	if err != nil {
		return err
	}
	if comp.Stage1Done {
		lgr.Printf("[DEBUG] stage 1 already finished for platform %d", platformID)
		return nil
	}

	offset, err := f.resumeOffset(platformID)
	if err != nil {
		return err
	}
	if offset > 0 {
		lgr.Printf("[INFO] requests were previously interrupted, resuming from offset %d", offset)
	}

	for {
		lgr.Printf("[INFO] requesting titles %d-%d", offset, offset+f.pageSize)
		page, err := f.client.Games(ctx, platformID, offset, f.pageSize)
		if err != nil {
			return fmt.Errorf("fetch listing page at offset %d: %w", offset, err)
		}

		if len(page.Games) == 0 {
			if offset == 0 {
				lgr.Printf("[WARN] looks like %s has no games, wiping its cache", platformName)
				if err := f.store.DeleteAll(platformID); err != nil {
					return err
				}
				return ErrEmptyPlatform
			}
			// the catalog ended exactly on a page boundary, nothing to cache
			comp.FinishStage1(f.now())
			return f.tracker.Save(platformID, comp)
		}

		for i := range page.Games {
			if err := page.Games[i].StripHeavy(); err != nil {
				return fmt.Errorf("strip listing record: %w", err)
			}
		}
		if err := f.store.Put(platformID, store.Listing, int64(offset), page); err != nil {
			return fmt.Errorf("cache listing page at offset %d: %w", offset, err)
		}

		if len(page.Games) < f.pageSize {
			comp.FinishStage1(f.now())
			return f.tracker.Save(platformID, comp)
		}
		if err := f.tracker.Save(platformID, comp); err != nil {
			return err
		}
		offset += f.pageSize
	}
}

// FetchDetails is Stage 2: fetch a detail blob for every listed game not
// already in the detail cache. Re-running after an interruption issues no
// request for an id that's already cached.
func (f *Fetcher) FetchDetails(ctx context.Context, platformID int64, platformName string) error {
	comp, err := f.tracker.Load(platformID)
	if err != nil {
		return err
	}
	if comp.Stage2Done {
		lgr.Printf("[DEBUG] stage 2 already finished for platform %d", platformID)
		return nil
	}

	games, err := f.ListedGames(ctx, platformID)
	if err != nil {
		return err
	}
	cached, err := f.store.Keys(platformID, store.Detail)
	if err != nil {
		return err
	}
	have := make(map[int64]struct{}, len(cached))
	for _, id := range cached {
		have[id] = struct{}{}
	}
	if len(cached) > 0 {
		lgr.Printf("[INFO] requests were previously interrupted, resuming with %d of %d details cached",
			len(cached), len(games))
	}

	etaGiven := false
	for i, game := range games {
		if _, ok := have[game.GameID]; ok {
			continue
		}
		if !etaGiven {
			lgr.Printf("[INFO] estimated completion time: %v (doesn't account for retries or response delays)",
				f.estimate(len(games)-i))
			etaGiven = true
		}
		lgr.Printf("[INFO] requesting details for %s [id %d] (%d/%d)", game.Title, game.GameID, i+1, len(games))

		detail, err := f.client.GameDetails(ctx, game.GameID, platformID)
		if errors.Is(err, api.ErrNotFound) {
			// the game was likely renumbered upstream, skip without caching
			// so a later run doesn't mistake it for done
			lgr.Printf("[WARN] game %d not found, likely reassigned to another id, skipping", game.GameID)
			continue
		}
		if err != nil {
			return fmt.Errorf("fetch details for game %d: %w", game.GameID, err)
		}
		if err := f.store.Put(platformID, store.Detail, game.GameID, detail); err != nil {
			return fmt.Errorf("cache details for game %d: %w", game.GameID, err)
		}
	}

	comp.FinishStage2(f.now())
	return f.tracker.Save(platformID, comp)
}

// FetchDetail fetches and caches one game's detail unconditionally,
// overwriting any cached copy. Used by the update path where the record is
// known to have changed. A 404 deletes the stale cache entry instead.
func (f *Fetcher) FetchDetail(ctx context.Context, platformID, gameID int64) error {
	detail, err := f.client.GameDetails(ctx, gameID, platformID)
	if errors.Is(err, api.ErrNotFound) {
		lgr.Printf("[WARN] game %d not found, removing its cached details", gameID)
		return f.store.Delete(platformID, store.Detail, gameID)
	}
	if err != nil {
		return fmt.Errorf("fetch details for game %d: %w", gameID, err)
	}
	if err := f.store.Put(platformID, store.Detail, gameID, detail); err != nil {
		return fmt.Errorf("cache details for game %d: %w", gameID, err)
	}
	return nil
}

// ListedGames enumerates the records of every cached listing page in page
// order. Ids are unique by construction, no dedup needed. A page that no
// longer decodes is re-fetched from the API and overwritten.
func (f *Fetcher) ListedGames(ctx context.Context, platformID int64) ([]domain.Record, error) {
	offsets, err := f.store.Keys(platformID, store.Listing)
	if err != nil {
		return nil, err
	}
	var games []domain.Record
	for _, offset := range offsets {
		var page domain.Page
		err := f.store.Get(platformID, store.Listing, offset, &page)
		if errors.Is(err, store.ErrCorrupt) {
			lgr.Printf("[WARN] listing page at offset %d is corrupt, re-requesting", offset)
			if page, err = f.client.Games(ctx, platformID, int(offset), f.pageSize); err != nil {
				return nil, fmt.Errorf("re-fetch listing page at offset %d: %w", offset, err)
			}
			for i := range page.Games {
				if err := page.Games[i].StripHeavy(); err != nil {
					return nil, fmt.Errorf("strip listing record: %w", err)
				}
			}
			if err = f.store.Put(platformID, store.Listing, offset, page); err != nil {
				return nil, fmt.Errorf("rewrite listing page at offset %d: %w", offset, err)
			}
		} else if err != nil {
			return nil, fmt.Errorf("read listing page at offset %d: %w", offset, err)
		}
		games = append(games, page.Games...)
	}
	return games, nil
}

// resumeOffset is max(cached offsets) + pageSize, or 0 for a fresh start.
// Cached pages are a gap-free cover from offset 0, so the first unfetched
// page always sits one page past the highest cached one.
func (f *Fetcher) resumeOffset(platformID int64) (int, error) {
	offsets, err := f.store.Keys(platformID, store.Listing)
	if err != nil {
		return 0, err
	}
	if len(offsets) == 0 {
		return 0, nil
	}
	return int(offsets[len(offsets)-1]) + f.pageSize, nil
}

func (f *Fetcher) estimate(remaining int) time.Duration {
	perRequest := f.rateGap + 1600*time.Millisecond // observed per-request overhead
	return (time.Duration(remaining) * perRequest).Round(time.Second)
}

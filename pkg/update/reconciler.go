// Package update applies a rolling window of upstream changes to already
// synced platforms without a full re-download. It pages the recent-changes
// feed into its own cache namespace, then patches each platform's listing
// and detail caches in place: additions and updates merged in, games that
// left the platform evicted.
package update

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-pkgz/lgr"

	"catadump/pkg/domain"
	"catadump/pkg/fetch"
	"catadump/pkg/state"
	"catadump/pkg/store"
)

// syncWarnAfter is how far a platform's last sync can lag before the
// changes feed may no longer cover the gap. The upstream feed keeps about
// 21 days of history.
const syncWarnAfter = 21 * 24 * time.Hour

// Client is the remote API surface the reconciler needs.
type Client interface {
	RecentGames(ctx context.Context, age, offset, limit int) (domain.Page, error)
}

// Exporter regenerates a platform's flat output files after its caches
// change.
type Exporter interface {
	Export(ctx context.Context, platformID int64, platformName string) error
}

// Notifier posts human-readable progress messages to an external channel.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// Reconciler downloads the recent-changes feed and merges it into each
// synced platform's caches.
type Reconciler struct {
	client   Client
	store    store.Store
	tracker  *state.Tracker
	fetcher  *fetch.Fetcher
	exporter Exporter // nil disables re-export
	notifier Notifier // nil disables notifications
	pageSize int
	now      func() time.Time
}

// New creates a reconciler.
func New(client Client, st store.Store, tracker *state.Tracker, fetcher *fetch.Fetcher,
	exporter Exporter, notifier Notifier, pageSize int) *Reconciler {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Reconciler{
		client:   client,
		store:    st,
		tracker:  tracker,
		fetcher:  fetcher,
		exporter: exporter,
		notifier: notifier,
		pageSize: pageSize,
		now:      time.Now,
	}
}

// Run downloads the changes feed for the requested day window, then applies
// it to every platform in platforms whose download has fully finished.
func (r *Reconciler) Run(ctx context.Context, days int, forceRestart bool, platforms []domain.Platform) error {
	r.notify(ctx, "# Starting updates %s", r.now().Format("2006-01-02"))

	upd, err := r.tracker.LoadUpdate()
	if err != nil {
		return err
	}
	if forceRestart || upd.Stale(days, r.now()) {
		if !forceRestart {
			lgr.Printf("[WARN] update cache is stale, redownloading update data from scratch")
		}
		if upd, err = r.tracker.ResetUpdate(r.now()); err != nil {
			return err
		}
	}

	if !upd.Finished {
		if err := r.downloadFeed(ctx, days, &upd); err != nil {
			return err
		}
	}

	changes, err := r.cachedChanges()
	if err != nil {
		return err
	}
	lgr.Printf("[INFO] %d changed games in the last %d days", len(changes), days)
	r.notify(ctx, "%d changed games in the last %d days", len(changes), days)

	for _, platform := range platforms {
		if err := r.applyPlatform(ctx, platform, changes); err != nil {
			return fmt.Errorf("update platform %s [id %d]: %w", platform.PlatformName, platform.PlatformID, err)
		}
	}
	r.notify(ctx, "Updates finished")
	return nil
}

// notify posts a progress message when a notifier is configured. A failed
// send is logged and ignored, notifications never fail the run.
func (r *Reconciler) notify(ctx context.Context, format string, args ...any) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Send(ctx, fmt.Sprintf(format, args...)); err != nil {
		lgr.Printf("[WARN] notification failed: %v", err)
	}
}

// downloadFeed pages the recent-changes feed into the updates namespace,
// resuming from the first uncached offset, with the same short-page
// termination contract as the catalog listing.
func (r *Reconciler) downloadFeed(ctx context.Context, days int, upd *state.UpdateState) error {
	offsets, err := r.store.Keys(store.Global, store.Updates)
	if err != nil {
		return err
	}
	offset := 0
	if len(offsets) > 0 {
		offset = int(offsets[len(offsets)-1]) + r.pageSize
		lgr.Printf("[INFO] requests were previously interrupted, resuming from offset %d", offset)
	}

	for {
		lgr.Printf("[INFO] requesting updated titles %d-%d", offset, offset+r.pageSize)
		page, err := r.client.RecentGames(ctx, days, offset, r.pageSize)
		if err != nil {
			return fmt.Errorf("fetch changes page at offset %d: %w", offset, err)
		}
		for i := range page.Games {
			if err := page.Games[i].StripHeavy(); err != nil {
				return fmt.Errorf("strip change record: %w", err)
			}
		}
		if len(page.Games) > 0 { // an empty tail page has nothing worth caching
			if err := r.store.Put(store.Global, store.Updates, int64(offset), page); err != nil {
				return fmt.Errorf("cache changes page at offset %d: %w", offset, err)
			}
		}

		upd.LastRun = r.now()
		upd.Days = days
		if len(page.Games) < r.pageSize {
			upd.Finished = true
		}
		if err := r.tracker.SaveUpdate(*upd); err != nil {
			return err
		}
		if upd.Finished {
			return nil
		}
		offset += r.pageSize
	}
}

// cachedChanges reads every cached changes page into one record list.
func (r *Reconciler) cachedChanges() ([]domain.Record, error) {
	offsets, err := r.store.Keys(store.Global, store.Updates)
	if err != nil {
		return nil, err
	}
	var changes []domain.Record
	for _, offset := range offsets {
		var page domain.Page
		if err := r.store.Get(store.Global, store.Updates, offset, &page); err != nil {
			return nil, fmt.Errorf("read changes page at offset %d: %w", offset, err)
		}
		changes = append(changes, page.Games...)
	}
	return changes, nil
}

// applyPlatform merges the change records into one platform's caches.
// Platforms with nothing to add and nothing to evict are left untouched.
func (r *Reconciler) applyPlatform(ctx context.Context, platform domain.Platform, changes []domain.Record) error {
	comp, err := r.tracker.Load(platform.PlatformID)
	if err != nil {
		return err
	}
	if !comp.FullySynced() {
		if comp.Stage1Done || comp.Stage2Done {
			lgr.Printf("[WARN] the %s platform hasn't finished downloading yet, so can't be updated", platform.PlatformName)
		}
		return nil
	}
	if !comp.LastSynced.IsZero() && r.now().Sub(comp.LastSynced) > syncWarnAfter {
		lgr.Printf("[WARN] it's been more than 21 days since the %s platform was synced, "+
			"the changes feed may not cover the whole gap; consider redownloading from scratch", platform.PlatformName)
	}

	// partition the feed by the record's current platform membership
	var related, unrelated []domain.Record
	for _, rec := range changes {
		if rec.OnPlatform(platform.PlatformID) {
			related = append(related, rec)
		} else {
			unrelated = append(unrelated, rec)
		}
	}

	existing, err := r.fetcher.ListedGames(ctx, platform.PlatformID)
	if err != nil {
		return err
	}
	existingByID := make(map[int64]domain.Record, len(existing))
	ids := make(map[int64]struct{}, len(existing))
	for _, rec := range existing {
		existingByID[rec.GameID] = rec
		ids[rec.GameID] = struct{}{}
	}

	freshByID := make(map[int64]domain.Record, len(related))
	for _, rec := range related {
		freshByID[rec.GameID] = rec
		ids[rec.GameID] = struct{}{}
	}

	// a previously-present game that now appears only in the unrelated
	// partition has left this platform upstream
	var evicted []int64
	for _, rec := range unrelated {
		if _, fresh := freshByID[rec.GameID]; fresh {
			continue
		}
		if _, present := existingByID[rec.GameID]; present {
			delete(ids, rec.GameID)
			evicted = append(evicted, rec.GameID)
		}
	}

	if len(related) == 0 && len(evicted) == 0 {
		lgr.Printf("[INFO] no updates found for the %s platform, skipping", platform.PlatformName)
		return nil
	}
	lgr.Printf("[INFO] updating the %s platform [id %d]: %d added or changed, %d removed",
		platform.PlatformName, platform.PlatformID, len(related), len(evicted))
	r.notify(ctx, "## %s: %d added or changed, %d removed", platform.PlatformName, len(related), len(evicted))

	if err := r.rebuildListing(platform.PlatformID, ids, freshByID, existingByID); err != nil {
		return err
	}

	for _, rec := range sortedRecords(freshByID) {
		// unconditional re-fetch, the record changed upstream
		if err := r.fetcher.FetchDetail(ctx, platform.PlatformID, rec.GameID); err != nil {
			return err
		}
	}
	sort.Slice(evicted, func(i, j int) bool { return evicted[i] < evicted[j] })
	for _, id := range evicted {
		if err := r.store.Delete(platform.PlatformID, store.Detail, id); err != nil {
			return err
		}
	}

	comp.LastSynced = r.now()
	if err := r.tracker.Save(platform.PlatformID, comp); err != nil {
		return err
	}

	if r.exporter != nil {
		if err := r.exporter.Export(ctx, platform.PlatformID, platform.PlatformName); err != nil {
			return fmt.Errorf("re-export platform: %w", err)
		}
	}
	lgr.Printf("[INFO] %s update completed, now has %d games", platform.PlatformName, len(ids))
	return nil
}

// rebuildListing rewrites the platform's listing pages from the reconciled
// id set, preferring the fresh copy of a record over the cached one. Pages
// are rebatched at pageSize from offset 0 and any leftover pages past the
// new end are removed.
func (r *Reconciler) rebuildListing(platformID int64, ids map[int64]struct{}, fresh, existing map[int64]domain.Record) error {
	sorted := make([]int64, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	written := 0
	for start := 0; start < len(sorted); start += r.pageSize {
		end := min(start+r.pageSize, len(sorted))
		page := domain.Page{Games: make([]domain.Record, 0, end-start)}
		for _, id := range sorted[start:end] {
			if rec, ok := fresh[id]; ok {
				page.Games = append(page.Games, rec)
				continue
			}
			page.Games = append(page.Games, existing[id])
		}
		if err := r.store.Put(platformID, store.Listing, int64(start), page); err != nil {
			return fmt.Errorf("rewrite listing page at offset %d: %w", start, err)
		}
		written = start + r.pageSize
	}

	offsets, err := r.store.Keys(platformID, store.Listing)
	if err != nil {
		return err
	}
	for _, offset := range offsets {
		if offset >= int64(written) {
			if err := r.store.Delete(platformID, store.Listing, offset); err != nil {
				return err
			}
		}
	}
	return nil
}

func sortedRecords(byID map[int64]domain.Record) []domain.Record {
	recs := make([]domain.Record, 0, len(byID))
	for _, rec := range byID {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].GameID < recs[j].GameID })
	return recs
}

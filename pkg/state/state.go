// Package state persists sync progress: per-platform two-stage completion
// flags and the global recent-changes download status. Every stage saves
// after each unit of work, so a crashed run resumes at the next unprocessed
// page or game rather than restarting a stage.
package state

import (
	"errors"
	"fmt"
	"time"

	"catadump/pkg/store"
)

// Completion is a platform's sync progress. Created all-false the first
// time a platform is requested, mutated in place as stages finish, never
// deleted except on explicit reset.
type Completion struct {
	Stage1Done bool      `json:"stage_1_finished"`
	Stage2Done bool      `json:"stage_2_finished"`
	LastSynced time.Time `json:"last_synced"`
}

// FullySynced reports whether both stages have completed, the precondition
// for applying incremental updates.
func (c Completion) FullySynced() bool { return c.Stage1Done && c.Stage2Done }

// FinishStage1 marks the catalog listing stage complete.
func (c *Completion) FinishStage1(now time.Time) {
	c.Stage1Done = true
	c.LastSynced = now
}

// FinishStage2 marks the per-game detail stage complete.
func (c *Completion) FinishStage2(now time.Time) {
	c.Stage2Done = true
	c.LastSynced = now
}

// UpdateState is the recent-changes download status. Global, not
// per-platform: one changes feed covers every platform.
type UpdateState struct {
	Finished bool      `json:"update_finished"`
	LastRun  time.Time `json:"update_last_run"`
	Days     int       `json:"days_to_update"`
}

// updateStaleAfter is how long a partial update download stays resumable.
// Past that the feed window has moved and a resume could miss records.
const updateStaleAfter = 6 * time.Hour

// Stale reports whether a previous run's cached feed can still serve the
// requested day window. Finished or not, a cache older than the staleness
// window or downloaded for a different day span must be discarded.
func (u UpdateState) Stale(days int, now time.Time) bool {
	if !u.LastRun.IsZero() && now.Sub(u.LastRun) > updateStaleAfter {
		return true
	}
	return u.Days != 0 && u.Days != days
}

// Tracker loads and saves sync state through the cache store.
type Tracker struct {
	store store.Store
}

// NewTracker creates a tracker persisting through st.
func NewTracker(st store.Store) *Tracker {
	return &Tracker{store: st}
}

// Load returns the platform's persisted completion state, or a fresh
// all-false state when none exists or the stored one can't be decoded.
func (t *Tracker) Load(platformID int64) (Completion, error) {
	var c Completion
	err := t.store.GetBlob(statusName(platformID), &c)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrCorrupt) {
		return Completion{}, nil
	}
	if err != nil {
		return Completion{}, fmt.Errorf("load completion state: %w", err)
	}
	return c, nil
}

// Save persists the platform's completion state.
func (t *Tracker) Save(platformID int64, c Completion) error {
	if err := t.store.PutBlob(statusName(platformID), c); err != nil {
		return fmt.Errorf("save completion state: %w", err)
	}
	return nil
}

// Reset wipes the platform's caches and writes a fresh all-false state,
// used when the user chooses to redownload instead of resume.
func (t *Tracker) Reset(platformID int64, now time.Time) (Completion, error) {
	if err := t.store.DeleteAll(platformID); err != nil {
		return Completion{}, fmt.Errorf("reset platform cache: %w", err)
	}
	c := Completion{LastSynced: now}
	if err := t.Save(platformID, c); err != nil {
		return Completion{}, err
	}
	return c, nil
}

// LoadUpdate returns the persisted update state, fresh when absent or
// unreadable.
func (t *Tracker) LoadUpdate() (UpdateState, error) {
	var u UpdateState
	err := t.store.GetBlob("updates", &u)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrCorrupt) {
		return UpdateState{}, nil
	}
	if err != nil {
		return UpdateState{}, fmt.Errorf("load update state: %w", err)
	}
	return u, nil
}

// SaveUpdate persists the update state.
func (t *Tracker) SaveUpdate(u UpdateState) error {
	if err := t.store.PutBlob("updates", u); err != nil {
		return fmt.Errorf("save update state: %w", err)
	}
	return nil
}

// ResetUpdate wipes the updates cache and writes a fresh unfinished state
// stamped with now.
func (t *Tracker) ResetUpdate(now time.Time) (UpdateState, error) {
	if err := t.store.DeleteAll(store.Global); err != nil {
		return UpdateState{}, fmt.Errorf("reset updates cache: %w", err)
	}
	u := UpdateState{LastRun: now}
	if err := t.SaveUpdate(u); err != nil {
		return UpdateState{}, err
	}
	return u, nil
}

func statusName(platformID int64) string {
	return fmt.Sprintf("%d/status", platformID)
}

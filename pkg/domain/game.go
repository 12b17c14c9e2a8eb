package domain

import (
	"encoding/json"
	"fmt"
)

// Record is a single game as returned by the listing and recent-changes
// endpoints. Only the fields the pipeline needs are decoded; the full
// response body is retained verbatim so cached pages round-trip without
// losing attributes we don't model.
type Record struct {
	GameID    int64         `json:"game_id"`
	Title     string        `json:"title"`
	Platforms []PlatformRef `json:"platforms,omitempty"`

	raw json.RawMessage
}

// PlatformRef is a game's membership in a platform, as embedded in listing
// and recent-changes records.
type PlatformRef struct {
	PlatformID       int64  `json:"platform_id"`
	PlatformName     string `json:"platform_name,omitempty"`
	FirstReleaseDate string `json:"first_release_date,omitempty"`
}

// Platform is an entry from the platforms endpoint.
type Platform struct {
	PlatformID   int64  `json:"platform_id"`
	PlatformName string `json:"platform_name"`
}

// Page is the wire shape of a listing or recent-changes response page.
type Page struct {
	Games []Record `json:"games"`
}

// UnmarshalJSON decodes the indexed fields and keeps the original bytes.
func (r *Record) UnmarshalJSON(data []byte) error {
	type alias struct {
		GameID    int64         `json:"game_id"`
		Title     string        `json:"title"`
		Platforms []PlatformRef `json:"platforms"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("decode game record: %w", err)
	}
	r.GameID = a.GameID
	r.Title = a.Title
	r.Platforms = a.Platforms
	r.raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON writes the retained response bytes when present, so cached
// pages keep every attribute the API returned.
func (r Record) MarshalJSON() ([]byte, error) {
	if len(r.raw) > 0 {
		return r.raw, nil
	}
	type alias struct {
		GameID    int64         `json:"game_id"`
		Title     string        `json:"title"`
		Platforms []PlatformRef `json:"platforms,omitempty"`
	}
	return json.Marshal(alias{GameID: r.GameID, Title: r.Title, Platforms: r.Platforms})
}

// Raw returns the retained response bytes, nil if the record was built
// locally rather than decoded from the API.
func (r Record) Raw() json.RawMessage { return r.raw }

// OnPlatform reports whether the record's current membership list includes
// the given platform.
func (r Record) OnPlatform(platformID int64) bool {
	for _, p := range r.Platforms {
		if p.PlatformID == platformID {
			return true
		}
	}
	return false
}

// StripHeavy removes heavyweight listing fields not needed downstream,
// currently the sample screenshots gallery. Absence is not an error.
func (r *Record) StripHeavy() error {
	if len(r.raw) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(r.raw, &fields); err != nil {
		return fmt.Errorf("decode record fields: %w", err)
	}
	if _, ok := fields["sample_screenshots"]; !ok {
		return nil
	}
	delete(fields, "sample_screenshots")
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode stripped record: %w", err)
	}
	r.raw = data
	return nil
}

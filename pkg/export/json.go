package export

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-pkgz/lgr"

	"catadump/pkg/domain"
)

// gameEnvelope is one entry in the JSON output: the listing record and the
// detail blob, side by side, with no key merging.
type gameEnvelope struct {
	GameID  int64           `json:"game_id"`
	Title   string          `json:"title"`
	Listing json.RawMessage `json:"listing"`
	Details json.RawMessage `json:"details,omitempty"`
}

// writeJSON streams all games with their details into a single JSON file,
// one envelope per game, guarded against duplicate ids. Returns the path
// written.
func (e *Exporter) writeJSON(ctx context.Context, platformID int64, platformName string, games []domain.Record) (string, error) {
	path := e.outputPath(platformName, ".json")
	lgr.Printf("[INFO] writing JSON output file %s", path)

	f, err := os.Create(path) //nolint:gosec // path is derived from config
	if err != nil {
		return "", fmt.Errorf("create output file: %w", err)
	}
	defer f.Close() //nolint:errcheck // errors surface via the final Close
	w := bufio.NewWriter(f)

	if _, err := w.WriteString("{\n  \"games\": [\n"); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}

	seen := map[int64]bool{}
	first := true
	for _, rec := range games {
		if seen[rec.GameID] {
			continue
		}
		seen[rec.GameID] = true

		detail, err := e.detail(ctx, platformID, rec.GameID)
		if err != nil {
			return "", err
		}
		env := gameEnvelope{GameID: rec.GameID, Title: rec.Title, Listing: rec.Raw(), Details: detail}
		if env.Listing == nil {
			env.Listing = json.RawMessage("{}")
		}
		data, err := json.MarshalIndent(env, "    ", "  ")
		if err != nil {
			return "", fmt.Errorf("encode game %d: %w", rec.GameID, err)
		}
		if !first {
			if _, err := w.WriteString(",\n"); err != nil {
				return "", fmt.Errorf("write %s: %w", path, err)
			}
		}
		first = false
		if _, err := w.WriteString("    " + string(data)); err != nil {
			return "", fmt.Errorf("write %s: %w", path, err)
		}
	}

	if _, err := w.WriteString("\n  ]\n}\n"); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	return path, nil
}

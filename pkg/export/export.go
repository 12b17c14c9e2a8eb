// Package export turns a platform's cached listing and detail data into
// flat output files: delimiter-separated tables split out of the nested
// API shapes, and a JSON file pairing each game's listing record with its
// detail blob.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-pkgz/lgr"

	"catadump/pkg/fetch"
	"catadump/pkg/store"
)

// Format selects which output files are written.
type Format int

// Output formats.
const (
	FormatNone Format = iota
	FormatDelimited
	FormatJSON
	FormatBoth
)

// Config holds output settings.
type Config struct {
	Dir       string
	Format    Format
	Delimiter rune   // field separator for delimited files
	Prefix    string // prepended to output filenames
}

// Uploader ships the written files somewhere after an export, nil to keep
// them local only.
type Uploader interface {
	UploadFiles(ctx context.Context, name string, files []string) error
}

// Exporter writes a platform's flat files from the cache store.
type Exporter struct {
	store    store.Store
	fetcher  *fetch.Fetcher
	uploader Uploader
	cfg      Config
}

// New creates an exporter. The fetcher is used to enumerate listing records
// and to re-fetch detail entries that turn out to be corrupt.
func New(st store.Store, fetcher *fetch.Fetcher, uploader Uploader, cfg Config) *Exporter {
	if cfg.Delimiter == 0 {
		cfg.Delimiter = '\t'
	}
	return &Exporter{store: st, fetcher: fetcher, uploader: uploader, cfg: cfg}
}

// Export writes the configured output files for one platform and hands
// them to the uploader when one is set.
func (e *Exporter) Export(ctx context.Context, platformID int64, platformName string) error {
	if e.cfg.Format == FormatNone {
		lgr.Printf("[INFO] finished processing titles, file output disabled")
		return nil
	}
	if err := os.MkdirAll(e.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	games, err := e.fetcher.ListedGames(ctx, platformID)
	if err != nil {
		return err
	}

	var files []string
	if e.cfg.Format == FormatJSON || e.cfg.Format == FormatBoth {
		path, err := e.writeJSON(ctx, platformID, platformName, games)
		if err != nil {
			return err
		}
		files = append(files, path)
	}
	if e.cfg.Format == FormatDelimited || e.cfg.Format == FormatBoth {
		tables, err := e.writeTables(ctx, platformID, platformName, games)
		if err != nil {
			return err
		}
		files = append(files, tables...)
	}

	if e.uploader != nil && len(files) > 0 {
		if err := e.uploader.UploadFiles(ctx, sanitizeFilename(platformName), files); err != nil {
			return fmt.Errorf("upload export files: %w", err)
		}
	}
	return nil
}

// EachDetail iterates a platform's cached detail blobs in game-id order.
// Corrupt entries are re-fetched and overwritten before the callback runs;
// an entry that 404s on re-fetch is dropped from the cache and skipped.
func (e *Exporter) EachDetail(ctx context.Context, platformID int64, fn func(gameID int64, raw json.RawMessage) error) error {
	ids, err := e.store.Keys(platformID, store.Detail)
	if err != nil {
		return err
	}
	for _, id := range ids {
		raw, err := e.detail(ctx, platformID, id)
		if err != nil {
			return err
		}
		if raw == nil { // entry vanished upstream
			continue
		}
		if err := fn(id, raw); err != nil {
			return err
		}
	}
	return nil
}

// detail reads one detail blob, recovering from corruption by re-fetching.
// Returns (nil, nil) when the entry is absent or no longer resolvable.
func (e *Exporter) detail(ctx context.Context, platformID, gameID int64) (json.RawMessage, error) {
	var raw json.RawMessage
	err := e.store.Get(platformID, store.Detail, gameID, &raw)
	switch {
	case err == nil:
		return raw, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, nil
	case errors.Is(err, store.ErrCorrupt):
		lgr.Printf("[WARN] details for game %d seem to be corrupt, re-requesting", gameID)
		if err := e.fetcher.FetchDetail(ctx, platformID, gameID); err != nil {
			return nil, err
		}
		err = e.store.Get(platformID, store.Detail, gameID, &raw)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("re-read details for game %d: %w", gameID, err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("read details for game %d: %w", gameID, err)
	}
}

// outputPath builds "<dir>/<prefix><platform name><suffix>" with characters
// invalid in filenames replaced.
func (e *Exporter) outputPath(platformName, suffix string) string {
	name := sanitizeFilename(platformName)
	return filepath.Join(e.cfg.Dir, e.cfg.Prefix+name+suffix)
}

var filenameReplacer = strings.NewReplacer(
	"/", "-", "\\", "-", ":", "-", "*", "-", "?", "", "\"", "'", "<", "(", ">", ")", "|", "-",
)

func sanitizeFilename(name string) string {
	return strings.TrimSpace(filenameReplacer.Replace(name))
}

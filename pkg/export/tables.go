package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/go-pkgz/lgr"

	"catadump/pkg/domain"
)

// listingFields is the schema of a listing record used for tabular output.
// Everything is optional; fields the API didn't send stay zero.
type listingFields struct {
	GameID          int64           `json:"game_id"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	MobyURL         string          `json:"moby_url"`
	OfficialURL     string          `json:"official_url"`
	Genres          []genreField    `json:"genres"`
	AlternateTitles []altTitleField `json:"alternate_titles"`
}

type genreField struct {
	GenreCategory   string `json:"genre_category"`
	GenreCategoryID int64  `json:"genre_category_id"`
	GenreID         int64  `json:"genre_id"`
	GenreName       string `json:"genre_name"`
}

type altTitleField struct {
	Description string `json:"description"`
	Title       string `json:"title"`
}

// detailFields is the schema of a detail blob used for tabular output.
type detailFields struct {
	Attributes []attributeField `json:"attributes"`
	Patches    []patchField     `json:"patches"`
	Ratings    []ratingField    `json:"ratings"`
	Releases   []releaseField   `json:"releases"`
}

type attributeField struct {
	AttributeCategoryID   int64  `json:"attribute_category_id"`
	AttributeCategoryName string `json:"attribute_category_name"`
	AttributeID           int64  `json:"attribute_id"`
	AttributeName         string `json:"attribute_name"`
}

type patchField struct {
	Description string `json:"description"`
	ReleaseDate string `json:"release_date"`
}

type ratingField struct {
	RatingID         int64  `json:"rating_id"`
	RatingName       string `json:"rating_name"`
	RatingSystemID   int64  `json:"rating_system_id"`
	RatingSystemName string `json:"rating_system_name"`
}

type releaseField struct {
	Companies    []companyField `json:"companies"`
	Countries    []string       `json:"countries"`
	Description  string         `json:"description"`
	ReleaseDate  string         `json:"release_date"`
	ProductCodes []productCode  `json:"product_codes"`
}

type companyField struct {
	CompanyID   int64  `json:"company_id"`
	CompanyName string `json:"company_name"`
	Role        string `json:"role"`
}

type productCode struct {
	ProductCode     string `json:"product_code"`
	ProductCodeType string `json:"product_code_type"`
}

// writeTables splits the nested listing and detail shapes into flat
// delimiter-separated tables, one file per table, skipping empty ones.
// Returns the paths written.
func (e *Exporter) writeTables(ctx context.Context, platformID int64, platformName string, games []domain.Record) ([]string, error) {
	lgr.Printf("[INFO] organizing game data for %s", platformName)

	gamesRows := [][]string{{"game_id", "title", "description", "official_url", "moby_url"}}
	altRows := [][]string{{"game_id", "title", "description"}}
	genreRows := [][]string{{"game_id", "genre_category_id", "genre_category", "genre_id", "genre_name"}}

	seen := map[int64]bool{} // cache files can hold dupes from request timing
	for _, rec := range games {
		var lf listingFields
		if raw := rec.Raw(); len(raw) > 0 {
			if err := json.Unmarshal(raw, &lf); err != nil {
				return nil, fmt.Errorf("decode listing record %d: %w", rec.GameID, err)
			}
		} else {
			lf.GameID, lf.Title = rec.GameID, rec.Title
		}
		if seen[lf.GameID] {
			continue
		}
		seen[lf.GameID] = true

		gamesRows = append(gamesRows, []string{
			itoa(lf.GameID), lf.Title, lf.Description, lf.OfficialURL, lf.MobyURL,
		})
		for _, alt := range lf.AlternateTitles {
			if alt.Title == "" {
				continue
			}
			altRows = append(altRows, []string{itoa(lf.GameID), alt.Title, alt.Description})
		}
		for _, g := range lf.Genres {
			if g.GenreCategory == "" {
				continue
			}
			genreRows = append(genreRows, []string{
				itoa(lf.GameID), itoa(g.GenreCategoryID), g.GenreCategory, itoa(g.GenreID), g.GenreName,
			})
		}
	}

	attrRows := [][]string{{"game_id", "attribute_category_id", "attribute_category_name", "attribute_id", "attribute_name"}}
	releaseRows := [][]string{{"game_id", "release_date", "company_id", "company_name", "role", "countries", "description"}}
	codeRows := [][]string{{"game_id", "release_date", "product_code_type", "product_code"}}
	patchRows := [][]string{{"game_id", "release_date", "description"}}
	ratingRows := [][]string{{"game_id", "rating_system_id", "rating_system_name", "rating_id", "rating_name"}}

	err := e.EachDetail(ctx, platformID, func(gameID int64, raw json.RawMessage) error {
		var df detailFields
		if err := json.Unmarshal(raw, &df); err != nil {
			return fmt.Errorf("decode details for game %d: %w", gameID, err)
		}
		for _, a := range df.Attributes {
			attrRows = append(attrRows, []string{
				itoa(gameID), itoa(a.AttributeCategoryID), a.AttributeCategoryName, itoa(a.AttributeID), a.AttributeName,
			})
		}
		for _, rel := range df.Releases {
			for _, company := range rel.Companies {
				for _, country := range explodeCountries(rel.Countries) {
					releaseRows = append(releaseRows, []string{
						itoa(gameID), rel.ReleaseDate, itoa(company.CompanyID), company.CompanyName,
						company.Role, country, rel.Description,
					})
				}
			}
			for _, code := range rel.ProductCodes {
				codeRows = append(codeRows, []string{itoa(gameID), rel.ReleaseDate, code.ProductCodeType, code.ProductCode})
			}
		}
		for _, p := range df.Patches {
			patchRows = append(patchRows, []string{itoa(gameID), p.ReleaseDate, p.Description})
		}
		for _, rt := range df.Ratings {
			ratingRows = append(ratingRows, []string{
				itoa(gameID), itoa(rt.RatingSystemID), rt.RatingSystemName, itoa(rt.RatingID), rt.RatingName,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	tables := []struct {
		suffix string
		rows   [][]string
	}{
		{" - (Primary) Games.txt", gamesRows},
		{" - Alternate titles.txt", altRows},
		{" - Genres.txt", genreRows},
		{" - Attributes.txt", attrRows},
		{" - Releases.txt", releaseRows},
		{" - Product codes.txt", codeRows},
		{" - Patches.txt", patchRows},
		{" - Ratings.txt", ratingRows},
	}
	var written []string
	for _, table := range tables {
		if len(table.rows) < 2 { // header only
			continue
		}
		path := e.outputPath(platformName, table.suffix)
		if err := e.writeDelimited(path, table.rows); err != nil {
			return nil, err
		}
		written = append(written, path)
	}
	lgr.Printf("[INFO] wrote %d delimiter-separated output files for %s", len(written), platformName)
	return written, nil
}

// writeDelimited writes rows as a BOM-prefixed delimited file, so
// spreadsheet apps pick up the encoding.
func (e *Exporter) writeDelimited(path string, rows [][]string) error {
	f, err := os.Create(path) //nolint:gosec // path is derived from config
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	if _, err := f.WriteString("\ufeff"); err != nil {
		_ = f.Close()
		return fmt.Errorf("write BOM: %w", err)
	}
	w := csv.NewWriter(f)
	w.Comma = e.cfg.Delimiter
	if err := w.WriteAll(rows); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// explodeCountries yields one row per country, or a single blank when the
// release has none.
func explodeCountries(countries []string) []string {
	if len(countries) == 0 {
		return []string{""}
	}
	return countries
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

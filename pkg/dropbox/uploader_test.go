package dropbox

import (
	"archive/zip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestZipFiles(t *testing.T) {
	dir := t.TempDir()
	f1 := writeFile(t, dir, "Linux - Genres.txt", "game_id\tgenre\n")
	f2 := writeFile(t, dir, "Linux.json", `{"games":[]}`)
	zipPath := filepath.Join(dir, "Linux.zip")

	require.NoError(t, zipFiles(zipPath, []string{f1, f2}))

	zr, err := zip.OpenReader(zipPath)
	require.NoError(t, err)
	defer zr.Close() //nolint:errcheck // read-only archive

	require.Len(t, zr.File, 2)
	assert.Equal(t, "Linux - Genres.txt", zr.File[0].Name, "entries keep the base name only")

	rc, err := zr.File[1].Open()
	require.NoError(t, err)
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, `{"games":[]}`, string(content))
}

func TestZipFiles_MissingInput(t *testing.T) {
	dir := t.TempDir()
	err := zipFiles(filepath.Join(dir, "out.zip"), []string{filepath.Join(dir, "absent.txt")})
	assert.Error(t, err)
}

func TestUploader_UploadFiles(t *testing.T) {
	var gotAuth, gotArg string
	var uploadedSize int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			assert.Equal(t, "refresh_token", r.FormValue("grant_type"))
			assert.Equal(t, "test-refresh", r.FormValue("refresh_token"))
			assert.Equal(t, "test-app", r.FormValue("client_id"))
			w.Write([]byte(`{"access_token":"short-lived"}`)) //nolint:errcheck
		case "/upload":
			gotAuth = r.Header.Get("Authorization")
			gotArg = r.Header.Get("Dropbox-API-Arg")
			uploadedSize, _ = io.Copy(io.Discard, r.Body)
			w.Write([]byte(`{}`)) //nolint:errcheck
		default:
			t.Errorf("unexpected request to %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	t.Chdir(dir)
	f1 := writeFile(t, dir, "Linux - Genres.txt", "game_id\tgenre\n")

	u := New(Config{AppKey: "test-app", AppSecret: "test-secret", RefreshToken: "test-refresh"})
	u.tokenURL = srv.URL + "/token"
	u.uploadURL = srv.URL + "/upload"

	require.NoError(t, u.UploadFiles(context.Background(), "Linux", []string{f1}))

	assert.Equal(t, "Bearer short-lived", gotAuth)
	assert.Contains(t, gotArg, `"path":"/Linux.zip"`)
	assert.Contains(t, gotArg, `"mode":"overwrite"`)
	assert.Positive(t, uploadedSize)

	_, err := os.Stat(f1)
	assert.True(t, os.IsNotExist(err), "originals removed after a successful upload")
	_, err = os.Stat(filepath.Join(dir, "Linux.zip"))
	assert.True(t, os.IsNotExist(err), "archive removed after a successful upload")
}

func TestUploader_TokenFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	dir := t.TempDir()
	t.Chdir(dir)
	f1 := writeFile(t, dir, "Linux.json", "{}")

	u := New(Config{AppKey: "k", AppSecret: "s", RefreshToken: "r"})
	u.tokenURL = srv.URL
	u.uploadURL = srv.URL
	u.retryDelay = time.Millisecond

	err := u.UploadFiles(context.Background(), "Linux", []string{f1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access token")

	_, statErr := os.Stat(f1)
	assert.NoError(t, statErr, "files kept when the upload fails")
}

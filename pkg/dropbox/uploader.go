// Package dropbox uploads zipped export files to a Dropbox app folder.
// Access uses short-lived tokens minted from a long-lived refresh token,
// so no interactive auth is needed on the machine running the sync.
package dropbox

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater/v2"
)

const (
	tokenURL  = "https://api.dropbox.com/oauth2/token" //nolint:gosec // endpoint, not a credential
	uploadURL = "https://content.dropboxapi.com/2/files/upload"
)

// Config holds the Dropbox app credentials.
type Config struct {
	AppKey       string
	AppSecret    string
	RefreshToken string
}

// Uploader zips and uploads export files.
type Uploader struct {
	cfg        Config
	http       *http.Client
	tokenURL   string
	uploadURL  string
	retryDelay time.Duration
}

// New creates an uploader.
func New(cfg Config) *Uploader {
	return &Uploader{
		cfg:        cfg,
		http:       &http.Client{Timeout: 5 * time.Minute},
		tokenURL:   tokenURL,
		uploadURL:  uploadURL,
		retryDelay: 5 * time.Second,
	}
}

// UploadFiles zips files into <name>.zip, uploads it to the app folder
// root, and removes the local archive and originals on success.
func (u *Uploader) UploadFiles(ctx context.Context, name string, files []string) error {
	zipPath := name + ".zip"
	if err := zipFiles(zipPath, files); err != nil {
		return err
	}
	lgr.Printf("[INFO] uploading %s to Dropbox", zipPath)

	token, err := u.token(ctx)
	if err != nil {
		return err
	}
	if err := u.upload(ctx, token, zipPath, "/"+filepath.Base(zipPath)); err != nil {
		return err
	}
	for _, f := range append(files, zipPath) {
		if err := os.Remove(f); err != nil {
			lgr.Printf("[WARN] can't remove %s after upload: %v", f, err)
		}
	}
	lgr.Printf("[INFO] uploading %s to Dropbox completed", zipPath)
	return nil
}

// token exchanges the refresh token for a short-lived access token, with a
// couple of retries for transient failures.
func (u *Uploader) token(ctx context.Context) (string, error) {
	var token string
	retrier := repeater.NewBackoff(3, u.retryDelay)
	err := retrier.Do(ctx, func() error {
		form := url.Values{
			"refresh_token": {u.cfg.RefreshToken},
			"grant_type":    {"refresh_token"},
			"client_id":     {u.cfg.AppKey},
			"client_secret": {u.cfg.AppSecret},
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.tokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("build token request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := u.http.Do(req)
		if err != nil {
			return fmt.Errorf("request token: %w", err)
		}
		defer resp.Body.Close() //nolint:errcheck // read-only body
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("token request failed: status %d", resp.StatusCode)
		}
		var body struct {
			AccessToken string `json:"access_token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("decode token response: %w", err)
		}
		token = body.AccessToken
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("get dropbox access token: %w", err)
	}
	return token, nil
}

// upload sends one file to the given Dropbox path, overwriting.
func (u *Uploader) upload(ctx context.Context, token, localPath, remotePath string) error {
	f, err := os.Open(localPath) //nolint:gosec // local archive we just wrote
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	arg, err := json.Marshal(map[string]any{"path": remotePath, "mode": "overwrite", "mute": true})
	if err != nil {
		return fmt.Errorf("encode upload arg: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.uploadURL, f)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Dropbox-API-Arg", string(arg))

	resp, err := u.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", localPath, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("upload %s failed: status %d: %s", localPath, resp.StatusCode, string(body))
	}
	return nil
}

// zipFiles packs files into a deflate-compressed archive at zipPath.
func zipFiles(zipPath string, files []string) error {
	out, err := os.Create(zipPath) //nolint:gosec // archive path derived from platform name
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	zw := zip.NewWriter(out)
	for _, file := range files {
		src, err := os.Open(file) //nolint:gosec // export files we just wrote
		if err != nil {
			_ = zw.Close()
			_ = out.Close()
			return fmt.Errorf("open %s: %w", file, err)
		}
		dst, err := zw.Create(filepath.Base(file))
		if err == nil {
			_, err = io.Copy(dst, src)
		}
		_ = src.Close()
		if err != nil {
			_ = zw.Close()
			_ = out.Close()
			return fmt.Errorf("archive %s: %w", file, err)
		}
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		return fmt.Errorf("finish archive: %w", err)
	}
	return out.Close()
}

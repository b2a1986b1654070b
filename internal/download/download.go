// Package download fetches model files over HTTP into place, verified
// against a pinned SHA-256.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/term"
)

const (
	lockRetryDelay = 250 * time.Millisecond
	defaultRetries = 3
)

type Options struct {
	URL         string
	Destination string
	// ExpectedSHA256 is the hex digest the file must have. Empty skips
	// verification.
	ExpectedSHA256 string
	Retries        int
	NoProgress     bool
	UserAgent      string
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

// DownloadFile fetches opts.URL into opts.Destination. Concurrent callers,
// including other processes, are serialised on a lock file next to the
// destination; whoever gets the lock second finds the finished file and
// returns without downloading again.
func DownloadFile(ctx context.Context, opts Options) error {
	if opts.URL == "" {
		return errors.New("download URL is required")
	}
	if opts.Destination == "" {
		return errors.New("destination path is required")
	}
	if opts.Retries <= 0 {
		opts.Retries = defaultRetries
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Minute}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "voxpipe"
	}
	opts.ExpectedSHA256 = strings.ToLower(strings.TrimSpace(opts.ExpectedSHA256))

	if err := os.MkdirAll(filepath.Dir(opts.Destination), 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	lock := flock.New(opts.Destination + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("acquire download lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("acquire download lock: %s is busy", lock.Path())
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			opts.Logger.Warn("failed to release download lock", zap.String("lock", lock.Path()), zap.Error(err))
		}
	}()

	if complete(opts.Destination, opts.ExpectedSHA256) {
		opts.Logger.Debug("download already present", zap.String("path", opts.Destination))
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		if attempt > 1 {
			opts.Logger.Warn("retrying download", zap.Int("attempt", attempt), zap.Int("max", opts.Retries), zap.String("url", opts.URL), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
			}
		}

		if lastErr = fetch(ctx, opts); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// VerifyFileChecksum checks path against a hex SHA-256 digest. An empty
// digest always passes.
func VerifyFileChecksum(path, expectedSHA256 string) error {
	expected := strings.ToLower(strings.TrimSpace(expectedSHA256))
	if expected == "" {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash file: %w", err)
	}
	return compareDigest(h, expected)
}

func compareDigest(h hash.Hash, expected string) error {
	if expected == "" {
		return nil
	}
	if actual := hex.EncodeToString(h.Sum(nil)); actual != expected {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}

func complete(path, expectedSHA256 string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return VerifyFileChecksum(path, expectedSHA256) == nil
}

// fetch streams one attempt into a .part file and renames it over the
// destination only once the digest matches.
func fetch(ctx context.Context, opts Options) (err error) {
	partPath := opts.Destination + ".part"
	_ = os.Remove(partPath)

	part, err := os.Create(partPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = part.Close()
		if err != nil {
			_ = os.Remove(partPath)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", opts.UserAgent)

	resp, err := opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	digest := sha256.New()
	sinks := []io.Writer{part, digest}
	var bar *progressbar.ProgressBar
	if showProgress(opts.NoProgress, resp.ContentLength) {
		bar = progressbar.NewOptions64(
			resp.ContentLength,
			progressbar.OptionSetDescription("downloading "+filepath.Base(opts.Destination)),
			progressbar.OptionSetWidth(20),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionClearOnFinish(),
		)
		sinks = append(sinks, bar)
	}

	if _, err := io.Copy(io.MultiWriter(sinks...), resp.Body); err != nil {
		return fmt.Errorf("download body: %w", err)
	}
	if bar != nil {
		_ = bar.Finish()
	}
	if err := compareDigest(digest, opts.ExpectedSHA256); err != nil {
		return err
	}
	if err := part.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := part.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(partPath, opts.Destination); err != nil {
		return fmt.Errorf("move temp file into destination: %w", err)
	}
	return nil
}

func showProgress(noProgress bool, contentLength int64) bool {
	return !noProgress && contentLength > 0 && term.IsTerminal(int(os.Stderr.Fd()))
}

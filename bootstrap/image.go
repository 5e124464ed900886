package bootstrap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/devvm/config"
	"github.com/projecteru2/devvm/progress"
	"github.com/projecteru2/devvm/utils"
)

const (
	// downloadTimeout is the overall bound for the base image fetch.
	downloadTimeout = 30 * time.Minute

	// report every 1 MiB
	progressInterval = 1 << 20
)

// EnsureBaseImage downloads the pristine base disk image if it is not already
// present. Idempotent: an existing image is never re-fetched. The download
// goes to a temp file and is renamed into place only when complete, so a
// failed fetch never leaves a partial file at the image path.
func EnsureBaseImage(ctx context.Context, conf *config.Config, tracker progress.Tracker) error {
	target := conf.BaseImagePath()
	if utils.ValidFile(target) {
		return nil
	}
	logger := log.WithFunc("bootstrap.EnsureBaseImage")
	logger.Infof(ctx, "downloading base image %s", conf.BaseImageURL)

	tmp, err := os.CreateTemp(conf.DevDir, ".base-*.img")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck

	if err := download(ctx, conf.BaseImageURL, tmp, tracker); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	tracker.OnEvent(progress.Event{Phase: progress.PhaseCommit})
	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("rename base image: %w", err)
	}
	// The base image is an immutable template shared as a backing file.
	if err := os.Chmod(target, 0o444); err != nil { //nolint:gosec // intentionally world-readable
		return fmt.Errorf("chmod base image: %w", err)
	}
	if err := utils.SyncParentDir(conf.DevDir); err != nil {
		return fmt.Errorf("sync dev dir: %w", err)
	}

	tracker.OnEvent(progress.Event{Phase: progress.PhaseDone})
	logger.Infof(ctx, "base image ready: %s", target)
	return nil
}

// download fetches url into dst, emitting progress events along the way.
func download(ctx context.Context, url string, dst *os.File, tracker progress.Tracker) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create HTTP request: %w", err)
	}

	client := &http.Client{Timeout: downloadTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP GET %s: %w", url, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP GET %s: status %d %s", url, resp.StatusCode, resp.Status)
	}

	tracker.OnEvent(progress.Event{Phase: progress.PhaseDownload, BytesTotal: resp.ContentLength})

	pw := &progressWriter{w: dst, total: resp.ContentLength, tracker: tracker}
	if _, err := io.Copy(pw, resp.Body); err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	if err := dst.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	return nil
}

// progressWriter wraps an io.Writer and periodically emits download progress.
type progressWriter struct {
	w          io.Writer
	written    int64
	total      int64
	tracker    progress.Tracker
	lastReport int64
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	pw.written += int64(n)
	if pw.written-pw.lastReport >= progressInterval {
		pw.lastReport = pw.written
		pw.tracker.OnEvent(progress.Event{
			Phase:      progress.PhaseDownload,
			BytesTotal: pw.total,
			BytesDone:  pw.written,
		})
	}
	return n, err
}

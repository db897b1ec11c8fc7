//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
)

// maxRangeRestarts bounds the number of from-scratch restarts triggered by
// a "416 Range Not Satisfiable" answer to a resume request.
const maxRangeRestarts = 1

// errRestart is returned by transfer when a resume request was refused and
// the local file does not match the remote one.
var errRestart = errors.New("download: restart without range")

// execute runs the transfer until the task reaches a terminal status.
func (t *Task) execute(parent context.Context) {
	defer close(t.exited)
	defer func() {
		if r := recover(); r != nil {
			t.finish(StatusFailed, fmt.Errorf("%w: %v", ErrWorkerPanic, r))
		}
	}()

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	t.mu.Lock()
	t.cancelCause = cancel
	t.mu.Unlock()

	resume := !t.cfg.DoNotResumeDownload
	for attempt := 0; ; attempt++ {
		if t.stop.Load() {
			t.finish(StatusCanceled, nil)
			return
		}

		err := t.transfer(ctx, resume)
		if errors.Is(err, errRestart) {
			if attempt >= maxRangeRestarts {
				err = fmt.Errorf("%w: still refused after restarting from scratch", ErrRangeNotSatisfiable)
			} else if rmErr := os.Remove(t.FilePath()); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				err = fmt.Errorf("%w: removing partial file: %v", ErrRangeNotSatisfiable, rmErr)
			} else {
				t.log.Warn("Range not satisfiable, restarting the download from scratch")
				resume = false
				t.mu.Lock()
				t.downloaded = 0
				t.total = -1
				t.mu.Unlock()
				continue
			}
		}

		switch {
		case err == nil:
			t.detectMimeType()
			t.finish(StatusCompleted, nil)
		case t.stop.Load() || errors.Is(err, errStopped) || ctx.Err() != nil:
			t.finish(StatusCanceled, nil)
		default:
			t.finish(StatusFailed, err)
		}
		return
	}
}

// transfer performs one attempt: HEAD probe, resume decision, GET and
// streaming write.
func (t *Task) transfer(ctx context.Context, resume bool) error {
	// Perform a HEAD call to gather information about the remote file
	remoteSize, err := t.probe(ctx)
	if err != nil {
		return err
	}
	if remoteSize >= 0 && t.Size() < 0 {
		t.setTotal(remoteSize)
		t.log.Debug("Remote size from HEAD", "size", remoteSize)
	}

	path := t.FilePath()
	if err := ensureDir(path); err != nil {
		return err
	}

	offset, skip, err := t.resumeOffset(path, resume)
	if err != nil {
		return err
	}
	if skip {
		t.log.Info("File already downloaded, skipping", "path", path)
		t.setDownloaded(offset)
		return nil
	}
	t.setDownloaded(offset)

	if total := t.Size(); t.cfg.CheckDiskSpace && total >= 0 {
		if err := checkDiskSpace(filepath.Dir(path), total-offset); err != nil {
			return err
		}
	}

	// Perform the actual GET request
	ctx, wd := newWatchdog(ctx, t.cfg.Timeout)
	defer wd.Stop()
	if err := t.throttle(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return fmt.Errorf("setting up HTTP request: %w", err)
	}
	req.Header = t.cfg.headers()
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		t.log.Info("Resuming download", "offset", humanize.IBytes(uint64(offset)))
	}
	resp, err := t.client.Do(req)
	if err != nil {
		if wdErr := wd.Err(); wdErr != nil {
			return wdErr
		}
		return classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, URL: t.url}
		if offset == 0 {
			return fmt.Errorf("%w: %w", ErrRangeNotSatisfiable, httpErr)
		}
		return t.rangeRefused(ctx, path)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, URL: t.url}
	case resp.StatusCode != http.StatusPartialContent && offset > 0:
		t.log.Warn("Server ignored the range request, downloading from scratch")
		offset = 0
		t.setDownloaded(0)
	}

	if offset == 0 {
		// Only a fresh file may take the name suggested by the server: an
		// appended suffix must land in the file holding the prefix.
		t.adoptServerFilename(resp.Header.Get("Content-Disposition"))
		path = t.FilePath()
	}

	if total := responseTotal(resp, offset); total >= 0 {
		t.setTotal(total)
	} else if t.Size() < 0 {
		t.log.Warn("Server did not send Content-Length, progress percentage unavailable")
	}

	// Open output file
	flags := os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_CREATE | os.O_TRUNC
	}
	out, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return fmt.Errorf("opening %s for writing: %w", path, err)
	}

	streamErr := t.stream(resp.Body, out, wd)
	closeErr := out.Close()
	if streamErr != nil {
		return streamErr
	}
	if closeErr != nil {
		return fmt.Errorf("closing %s: %w", path, closeErr)
	}

	total, downloaded := t.Size(), t.Downloaded()
	if total >= 0 {
		if downloaded != total {
			return fmt.Errorf("%w: received %d of %d bytes", ErrSizeMismatch, downloaded, total)
		}
		t.notifyProgress(total, total)
	}
	t.setEndTime()
	return nil
}

// stream copies body into out one chunk at a time, checking the stop flag
// before every write and sampling the speed every progress interval.
func (t *Task) stream(body io.Reader, out io.Writer, wd *watchdog) error {
	buf := make([]byte, t.cfg.ChunkSize)
	lastSample := time.Now()
	var window int64

	for {
		if t.stop.Load() {
			return errStopped
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			wd.Kick()
			if t.stop.Load() {
				return errStopped
			}
			total := t.Size()
			if total >= 0 && t.Downloaded()+int64(n) > total {
				return fmt.Errorf("%w: server sent more than %d bytes", ErrSizeMismatch, total)
			}
			if _, err := out.Write(buf[:n]); err != nil {
				return fmt.Errorf("writing to file: %w", err)
			}
			downloaded := t.addDownloaded(int64(n))
			window += int64(n)

			now := time.Now()
			if elapsed := now.Sub(lastSample); elapsed >= t.progressInterval {
				if elapsed > 0 {
					t.setSpeed(float64(window) / elapsed.Seconds())
				}
				window = 0
				lastSample = now
				t.notifyProgress(downloaded, total)
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			if t.stop.Load() {
				return errStopped
			}
			if err := wd.Err(); err != nil {
				return err
			}
			return classifyError(readErr)
		}
	}
}

// resumeOffset inspects the local file and decides where the transfer
// starts. skip is true when the file is already complete.
func (t *Task) resumeOffset(path string, resume bool) (offset int64, skip bool, err error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		t.log.Warn("Can not inspect local file, downloading from scratch", "error", err)
		return 0, false, nil
	}
	if info.IsDir() {
		return 0, false, fmt.Errorf("%s is a directory", path)
	}

	localSize, remoteSize := info.Size(), t.Size()
	switch {
	case localSize == 0 || !resume:
		return 0, false, nil
	case remoteSize >= 0 && localSize == remoteSize:
		// Size matches: assume the file is already downloaded
		return localSize, true, nil
	case remoteSize >= 0 && localSize > remoteSize:
		t.log.Warn("Local file is larger than the remote one, downloading again",
			"local", localSize, "remote", remoteSize)
		if err := os.Remove(path); err != nil {
			return 0, false, fmt.Errorf("removing oversized file: %w", err)
		}
		return 0, false, nil
	default:
		// Local file is smaller than remote file, or remote size is unknown: resume
		return localSize, false, nil
	}
}

// rangeRefused handles a 416 answer to a resume request: the download is
// complete if the local file is at least as large as the remote one,
// otherwise it must restart from scratch.
func (t *Task) rangeRefused(ctx context.Context, path string) error {
	t.log.Warn("Range request refused (416), checking local file")
	info, statErr := os.Stat(path)
	resp, headErr := t.head(ctx)
	if statErr == nil && headErr == nil {
		_ = resp.Body.Close()
		if remote := resp.ContentLength; remote >= 0 && info.Size() >= remote {
			t.log.Info("Local file already complete", "local", info.Size(), "remote", remote)
			t.mu.Lock()
			t.total = remote
			t.downloaded = remote
			t.mu.Unlock()
			t.setEndTime()
			return nil
		}
	}
	return errRestart
}

// probe runs the best-effort HEAD request. Failures are logged and
// reported as an unknown size: the GET response is authoritative. Only an
// error returned by AcceptFunc aborts the download.
func (t *Task) probe(ctx context.Context) (int64, error) {
	resp, err := t.head(ctx)
	if err != nil {
		t.log.Warn("HEAD request failed", "error", err)
		return -1, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if t.cfg.AcceptFunc != nil {
		if err := t.cfg.AcceptFunc(resp); err != nil {
			return -1, err
		}
	}
	t.adoptServerFilename(resp.Header.Get("Content-Disposition"))
	return resp.ContentLength, nil
}

func (t *Task) head(ctx context.Context) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.HeadTimeout)
	defer cancel()
	if err := t.throttle(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("setting up HEAD request: %w", err)
	}
	req.Header = t.cfg.headers()
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, URL: t.url}
	}
	return resp, nil
}

// throttle waits for the engine rate limiter, if any.
func (t *Task) throttle(ctx context.Context) error {
	if t.limiter == nil {
		return nil
	}
	return t.limiter.Wait(ctx)
}

// responseTotal computes the full size of the file from a GET response,
// -1 if it can not be known.
func responseTotal(resp *http.Response, offset int64) int64 {
	if resp.StatusCode == http.StatusPartialContent && offset > 0 {
		if total := contentRangeTotal(resp.Header.Get("Content-Range")); total >= 0 {
			return total
		}
		if resp.ContentLength >= 0 {
			return resp.ContentLength + offset
		}
		return -1
	}
	return resp.ContentLength
}

// contentRangeTotal parses the complete length of "bytes a-b/N".
func contentRangeTotal(header string) int64 {
	_, total, found := strings.Cut(header, "/")
	if !found || total == "*" {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(total), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// adoptServerFilename renames the destination after the file name suggested
// by a Content-Disposition header. The path changes at most once.
func (t *Task) adoptServerFilename(contentDisposition string) {
	name := FilenameFromContentDisposition(contentDisposition)
	if name == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pathChanged {
		return
	}
	newPath := filepath.Join(filepath.Dir(t.path), name)
	if newPath == t.path {
		return
	}
	t.log.Info("Using file name from Content-Disposition", "from", filepath.Base(t.path), "to", name)
	t.path = newPath
	t.pathChanged = true
}

func (t *Task) detectMimeType() {
	mtype, err := mimetype.DetectFile(t.FilePath())
	if err != nil {
		t.log.Debug("Can not detect content type", "error", err)
		return
	}
	t.mu.Lock()
	t.mimeType = mtype.String()
	t.mu.Unlock()
}

func (t *Task) notifyProgress(downloaded, total int64) {
	t.mu.Lock()
	obs := t.observer
	t.mu.Unlock()
	if obs != nil {
		obs.OnProgress(t, downloaded, total)
	}
}

func (t *Task) setTotal(total int64) {
	t.mu.Lock()
	t.total = total
	t.mu.Unlock()
}

func (t *Task) setDownloaded(n int64) {
	t.mu.Lock()
	t.downloaded = n
	t.mu.Unlock()
}

func (t *Task) addDownloaded(n int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.downloaded += n
	return t.downloaded
}

func (t *Task) setSpeed(speed float64) {
	t.mu.Lock()
	t.speed = speed
	t.mu.Unlock()
}

func (t *Task) setEndTime() {
	t.mu.Lock()
	t.endTime = time.Now()
	t.mu.Unlock()
}

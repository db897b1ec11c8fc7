//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

package downloader

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Status is the lifecycle state of a Task.
type Status int32

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// Terminal reports whether no transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

func (s Status) canTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCanceled
	case StatusRunning:
		return next.Terminal()
	default:
		return false
	}
}

// Task is a single URL to file transfer.
//
// All the fields are written by the goroutine running the transfer; the
// accessors can be called from any goroutine.
type Task struct {
	id               string
	url              string
	cfg              Config
	client           *http.Client
	limiter          *rate.Limiter
	progressInterval time.Duration
	log              *slog.Logger

	mu          sync.Mutex
	path        string
	pathChanged bool
	status      Status
	total       int64
	downloaded  int64
	speed       float64
	err         error
	startTime   time.Time
	endTime     time.Time
	mimeType    string
	observer    Observer
	cancelCause context.CancelCauseFunc

	stop   atomic.Bool
	done   chan struct{}
	exited chan struct{}
}

// NewTask creates a pending task that downloads url into filePath.
// The task does nothing until Start is called.
func NewTask(url, filePath string, cfg Config) (*Task, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: empty URL", ErrInvalidRequest)
	}
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	cfg = cfg.withDefaults()
	client, err := cfg.client()
	if err != nil {
		return nil, err
	}
	return &Task{
		url:              url,
		cfg:              cfg,
		client:           client,
		progressInterval: DefaultProgressInterval,
		log:              cfg.Logger.With("url", url),
		path:             abs,
		total:            -1,
		done:             make(chan struct{}),
		exited:           make(chan struct{}),
	}, nil
}

// Start launches the transfer on a new goroutine and returns immediately.
// It does nothing, apart from logging a warning, if the task is not pending.
func (t *Task) Start(obs Observer) *Task {
	if obs != nil {
		obs = newFanout(t.log, obs)
	}
	if !t.begin(obs) {
		t.log.Warn("Task can not be started", "status", t.Status())
		return t
	}
	go t.execute(context.Background())
	return t
}

// begin moves a pending task to running. It returns false if the task was
// already started or canceled.
func (t *Task) begin(obs Observer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.status.canTransitionTo(StatusRunning) {
		return false
	}
	t.status = StatusRunning
	if obs != nil {
		t.observer = obs
	}
	t.startTime = time.Now()
	return true
}

// Cancel requests the task to stop. A pending task is canceled immediately
// and its completion is notified before Cancel returns. A running task stops
// at the next chunk boundary, leaving the partial file on disk so that the
// download can be resumed later.
func (t *Task) Cancel() {
	t.mu.Lock()
	switch t.status {
	case StatusPending:
		t.mu.Unlock()
		t.finish(StatusCanceled, nil)
	case StatusRunning:
		t.stop.Store(true)
		cancel := t.cancelCause
		t.mu.Unlock()
		if cancel != nil {
			cancel(errStopped)
		}
		t.log.Info("Cancellation requested")
	default:
		t.mu.Unlock()
	}
}

// finish moves the task to a terminal status and notifies the completion
// observers. Only the first call has any effect.
func (t *Task) finish(status Status, err error) bool {
	t.mu.Lock()
	if !t.status.canTransitionTo(status) {
		t.mu.Unlock()
		return false
	}
	t.status = status
	t.err = err
	t.endTime = time.Now()
	obs := t.observer
	t.mu.Unlock()

	switch status {
	case StatusCompleted:
		t.log.Info("Download completed", "path", t.FilePath(), "size", t.Downloaded())
	case StatusFailed:
		t.log.Error("Download failed", "path", t.FilePath(), "error", err)
	case StatusCanceled:
		t.log.Info("Download canceled", "path", t.FilePath(), "downloaded", t.Downloaded())
	}

	if obs != nil {
		obs.OnComplete(t)
	}
	close(t.done)
	return true
}

// Wait blocks until the task reaches a terminal status, its worker exits or
// the timeout elapses; a timeout <= 0 waits indefinitely. It returns true if
// the task completed successfully.
//
// If the worker exited without reaching a terminal status, the task is
// reconciled with the file on disk: it is marked completed when the file
// has the expected size and failed otherwise.
func (t *Task) Wait(timeout time.Duration) bool {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-t.done:
	case <-t.exited:
		t.reconcile()
	case <-expired:
	}
	return t.Status() == StatusCompleted
}

// Done returns a channel closed when the task reaches a terminal status.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) reconcile() {
	if t.Status() != StatusRunning {
		return
	}
	total := t.Size()
	if info, err := os.Stat(t.FilePath()); err == nil && total >= 0 && info.Size() == total {
		t.mu.Lock()
		t.downloaded = total
		t.mu.Unlock()
		t.finish(StatusCompleted, nil)
		return
	}
	t.finish(StatusFailed, ErrWorkerExited)
}

// ID returns the identifier assigned by the Engine, "" for standalone tasks.
func (t *Task) ID() string {
	return t.id
}

// URL returns the source URL.
func (t *Task) URL() string {
	return t.url
}

// FilePath returns the absolute destination path. It may change once, before
// any byte is written, when the server suggests a file name.
func (t *Task) FilePath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.path
}

// Status returns the current status.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Size returns the size of the download (or -1 if it is not known yet).
func (t *Task) Size() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Downloaded returns the number of bytes present in the destination file,
// including the ones resumed from a previous run.
func (t *Task) Downloaded() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.downloaded
}

// Progress returns the completed fraction between 0 and 1, or 0 when the
// size is unknown.
func (t *Task) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.total <= 0 {
		if t.status == StatusCompleted {
			return 1
		}
		return 0
	}
	return float64(t.downloaded) / float64(t.total)
}

// Speed returns the transfer rate in bytes per second measured over the
// last progress interval.
func (t *Task) Speed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.speed
}

// ETA returns the estimated remaining time. The second value is false when
// the speed is zero or the size is unknown.
func (t *Task) ETA() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.speed <= 0 || t.total < 0 {
		return 0, false
	}
	remaining := t.total - t.downloaded
	if remaining < 0 {
		remaining = 0
	}
	return time.Duration(float64(remaining) / t.speed * float64(time.Second)), true
}

// Err returns the error that made the task fail, nil otherwise.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Error returns the message of Err, "" if the task did not fail.
func (t *Task) Error() string {
	if err := t.Err(); err != nil {
		return err.Error()
	}
	return ""
}

// StartTime returns the time the task started running.
func (t *Task) StartTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startTime
}

// EndTime returns the time the task reached a terminal status.
func (t *Task) EndTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endTime
}

// MimeType returns the media type detected from the content of a completed
// download, "" if unknown.
func (t *Task) MimeType() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mimeType
}

// TaskInfo is a point-in-time copy of the state of a Task.
type TaskInfo struct {
	ID         string
	URL        string
	FilePath   string
	Status     Status
	Size       int64
	Downloaded int64
	Speed      float64
	Error      string
	MimeType   string
	StartTime  time.Time
	EndTime    time.Time
}

// Info returns a consistent snapshot of the task.
func (t *Task) Info() TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := TaskInfo{
		ID:         t.id,
		URL:        t.url,
		FilePath:   t.path,
		Status:     t.status,
		Size:       t.total,
		Downloaded: t.downloaded,
		Speed:      t.speed,
		MimeType:   t.mimeType,
		StartTime:  t.startTime,
		EndTime:    t.endTime,
	}
	if t.err != nil {
		info.Error = t.err.Error()
	}
	return info
}

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
	"os"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// minWaitSlice is the shortest wait granted to a single task by WaitAll.
const minWaitSlice = 10 * time.Millisecond

// Request describes a download submitted to an Engine.
//
// The destination is FilePath if set, otherwise Filename (or a name derived
// from the URL) inside OutputDir (or the engine output directory).
type Request struct {
	URL       string `validate:"required,url"`
	FilePath  string
	OutputDir string
	Filename  string
	// Observer receives the notifications of this task only.
	Observer Observer `validate:"-"`
	// Config overrides the engine transfer settings for this task.
	Config *Config `validate:"-"`
}

// Engine runs download tasks on a bounded pool of workers and keeps a
// registry of every task it was given.
type Engine struct {
	cfg      EngineConfig
	log      *slog.Logger
	validate *validator.Validate
	limiter  *rate.Limiter
	sem      *semaphore.Weighted

	poolCtx    context.Context
	poolCancel context.CancelFunc
	workers    sync.WaitGroup

	mu     sync.Mutex
	tasks  map[string]*Task
	order  []*Task
	seq    int
	closed bool

	observers observerList
}

// NewEngine validates cfg and creates the output directory.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	cfg = cfg.withDefaults()
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		log:      cfg.Logger,
		validate: validate,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		tasks:    map[string]*Task{},
	}
	if cfg.RequestsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	e.poolCtx, e.poolCancel = context.WithCancel(context.Background())
	e.log.Info("Download engine started",
		"output_dir", cfg.OutputDir, "concurrency", cfg.Concurrency)
	return e, nil
}

// Observe registers an observer notified of the events of every task.
// It affects the events emitted after the call, including the ones of tasks
// already submitted.
func (e *Engine) Observe(obs Observer) {
	if obs != nil {
		e.observers.add(obs)
	}
}

// Download registers a new task and queues it for execution. The task is
// returned in the pending status; it starts as soon as a worker is free.
func (e *Engine) Download(req Request) (*Task, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	path, err := ResolvePath(e.cfg.OutputDir, req.FilePath, req.OutputDir, req.Filename, req.URL)
	if err != nil {
		return nil, err
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	cfg := e.cfg.Transfer
	if req.Config != nil {
		cfg = *req.Config
		if cfg.Logger == nil {
			cfg.Logger = e.log
		}
	}
	task, err := NewTask(req.URL, path, cfg)
	if err != nil {
		return nil, err
	}
	task.limiter = e.limiter
	task.progressInterval = e.cfg.ProgressInterval

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	task.id = e.nextID()
	task.log = task.log.With("task", task.id)
	task.observer = newFanout(task.log, req.Observer, globalObservers{log: e.log, list: &e.observers})
	e.tasks[task.id] = task
	e.order = append(e.order, task)
	e.workers.Add(1)
	e.mu.Unlock()

	task.log.Info("Download queued", "path", path)
	go e.run(task)
	return task, nil
}

// nextID returns a new task id. Must be called with e.mu held.
func (e *Engine) nextID() string {
	e.seq++
	id := fmt.Sprintf("task_%d_%d", e.seq, time.Now().Unix())
	for {
		if _, taken := e.tasks[id]; !taken {
			return id
		}
		id = fmt.Sprintf("task_%d_%d_%s", e.seq, time.Now().Unix(), uuid.NewString()[:8])
	}
}

func (e *Engine) run(task *Task) {
	defer e.workers.Done()
	if err := e.sem.Acquire(e.poolCtx, 1); err != nil {
		// The engine is shutting down
		task.Cancel()
		return
	}
	defer e.sem.Release(1)
	if task.begin(nil) {
		task.execute(e.poolCtx)
	}
}

// DownloadBatch submits one task per URL into outputDir (the engine output
// directory if empty). URLs that can not be submitted are logged and
// skipped; the returned tasks keep the order of urls.
func (e *Engine) DownloadBatch(urls []string, outputDir string, obs Observer) []*Task {
	tasks := make([]*Task, 0, len(urls))
	for _, u := range urls {
		task, err := e.Download(Request{URL: u, OutputDir: outputDir, Observer: obs})
		if err != nil {
			e.log.Error("Can not submit download", "url", u, "error", err)
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks
}

// GetTask returns the task with the given id.
func (e *Engine) GetTask(id string) (*Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[id]
	return task, ok
}

// GetAllTasks returns every task ever submitted, in submission order.
func (e *Engine) GetAllTasks() []*Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Task(nil), e.order...)
}

// GetActiveTasks returns the running tasks.
func (e *Engine) GetActiveTasks() []*Task {
	return lo.Filter(e.GetAllTasks(), func(t *Task, _ int) bool {
		return t.Status() == StatusRunning
	})
}

// CancelAll requests the cancellation of every running task. It does not
// wait for the tasks to stop. Queued tasks are left untouched.
func (e *Engine) CancelAll() {
	active := e.GetActiveTasks()
	e.log.Info("Canceling all downloads", "count", len(active))
	for _, task := range active {
		task.Cancel()
	}
}

// WaitAll waits for every task to reach a terminal status. The timeout is
// shared among the tasks, a timeout <= 0 waits indefinitely. It returns true
// if all the tasks completed successfully before the deadline.
func (e *Engine) WaitAll(timeout time.Duration) bool {
	tasks := e.GetAllTasks()
	if timeout <= 0 {
		ok := true
		for _, task := range tasks {
			ok = task.Wait(0) && ok
		}
		return ok
	}

	deadline := time.Now().Add(timeout)
	pending := tasks
	for len(pending) > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		slice := max(remaining/time.Duration(len(pending)), minWaitSlice)
		var next []*Task
		for _, task := range pending {
			if task.Wait(slice) || task.Status().Terminal() {
				continue
			}
			next = append(next, task)
		}
		pending = next
	}
	return lo.EveryBy(tasks, func(t *Task) bool { return t.Status() == StatusCompleted })
}

// Shutdown stops accepting new tasks and cancels the running and queued
// ones. If wait is true it blocks until every worker has returned.
func (e *Engine) Shutdown(wait bool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		if wait {
			e.workers.Wait()
		}
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.log.Info("Shutting down download engine")
	e.CancelAll()
	// Queued tasks will never get a worker
	for _, task := range e.GetAllTasks() {
		if task.Status() == StatusPending {
			task.Cancel()
		}
	}
	e.poolCancel()
	if wait {
		e.workers.Wait()
	}
}

// IsClosed reports whether Shutdown was called.
func (e *Engine) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Stats counts the tasks of the engine by status.
func (e *Engine) Stats() map[Status]int {
	return lo.CountValuesBy(e.GetAllTasks(), func(t *Task) Status { return t.Status() })
}

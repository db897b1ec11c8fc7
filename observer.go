//go:generate go run go.uber.org/mock/mockgen -source=observer.go -destination=internal/mocks/mock_observer.go -package=mocks

//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

package downloader

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Observer receives the notifications of a task.
//
// OnProgress is called from the task worker at most once per progress
// interval, with total set to -1 when the size of the download is unknown.
// OnComplete is called exactly once, whatever the terminal status is.
// Implementations used as engine-wide observers receive the notifications of
// every task concurrently and must be safe for concurrent use.
type Observer interface {
	OnProgress(task *Task, downloaded, total int64)
	OnComplete(task *Task)
}

// ObserverFuncs adapts a pair of functions to the Observer interface.
// Nil functions are ignored.
type ObserverFuncs struct {
	Progress func(task *Task, downloaded, total int64)
	Complete func(task *Task)
}

func (f ObserverFuncs) OnProgress(task *Task, downloaded, total int64) {
	if f.Progress != nil {
		f.Progress(task, downloaded, total)
	}
}

func (f ObserverFuncs) OnComplete(task *Task) {
	if f.Complete != nil {
		f.Complete(task)
	}
}

// fanout dispatches every notification to each of its observers in order.
// A panicking observer is logged and skipped: it can neither abort the
// transfer nor prevent the remaining observers from being notified.
type fanout struct {
	log       *slog.Logger
	observers []Observer
}

func newFanout(log *slog.Logger, observers ...Observer) *fanout {
	f := &fanout{log: log}
	for _, o := range observers {
		if o != nil {
			f.observers = append(f.observers, o)
		}
	}
	return f
}

func (f *fanout) OnProgress(task *Task, downloaded, total int64) {
	for _, o := range f.observers {
		f.guard("progress", task, func() { o.OnProgress(task, downloaded, total) })
	}
}

func (f *fanout) OnComplete(task *Task) {
	for _, o := range f.observers {
		f.guard("completion", task, func() { o.OnComplete(task) })
	}
}

func (f *fanout) guard(kind string, task *Task, call func()) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error("Observer panicked", "kind", kind, "task", task.ID(), "panic", r)
		}
	}()
	call()
}

// observerList is an append-only list of observers. Readers load a snapshot
// without locking, writers copy the slice.
type observerList struct {
	mu   sync.Mutex
	list atomic.Pointer[[]Observer]
}

func (l *observerList) add(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var next []Observer
	if cur := l.list.Load(); cur != nil {
		next = append(next, *cur...)
	}
	next = append(next, o)
	l.list.Store(&next)
}

func (l *observerList) snapshot() []Observer {
	if cur := l.list.Load(); cur != nil {
		return *cur
	}
	return nil
}

// globalObservers notifies the observers registered on the list at the
// time of each event.
type globalObservers struct {
	log  *slog.Logger
	list *observerList
}

func (g globalObservers) OnProgress(task *Task, downloaded, total int64) {
	newFanout(g.log, g.list.snapshot()...).OnProgress(task, downloaded, total)
}

func (g globalObservers) OnComplete(task *Task) {
	newFanout(g.log, g.list.snapshot()...).OnComplete(task)
}

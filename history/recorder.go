//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

package history

import (
	"log/slog"

	downloader "github.com/civitdl/downloader"
)

// Recorder is a downloader.Observer that adds an entry to the store for
// every task reaching a terminal status.
type Recorder struct {
	store *Store
	log   *slog.Logger
}

// NewRecorder returns a Recorder writing to store. A nil logger discards
// the recording errors.
func NewRecorder(store *Store, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Recorder{store: store, log: log}
}

func (r *Recorder) OnProgress(*downloader.Task, int64, int64) {}

func (r *Recorder) OnComplete(task *downloader.Task) {
	if _, err := r.store.Add(EntryFromInfo(task.Info())); err != nil {
		r.log.Error("Can not record download", "task", task.ID(), "error", err)
	}
}

// EntryFromInfo converts a task snapshot to a history entry.
func EntryFromInfo(info downloader.TaskInfo) Entry {
	return Entry{
		TaskID:     info.ID,
		URL:        info.URL,
		FilePath:   info.FilePath,
		Status:     info.Status.String(),
		Size:       info.Size,
		Downloaded: info.Downloaded,
		Error:      info.Error,
		MimeType:   info.MimeType,
		StartTime:  info.StartTime,
		EndTime:    info.EndTime,
	}
}

var _ downloader.Observer = (*Recorder)(nil)

//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

package main

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	downloader "github.com/civitdl/downloader"
)

type transfer struct {
	downloaded int64
	total      int64
}

// progressObserver shows a single progress bar for all the tasks of the
// engine and prints a line when a task ends.
type progressObserver struct {
	mu        sync.Mutex
	bar       *progressbar.ProgressBar
	out       io.Writer
	transfers map[string]*transfer
	expected  int
	ended     int
}

func newProgressObserver(barOut, out io.Writer, quiet bool) *progressObserver {
	p := &progressObserver{out: out, transfers: map[string]*transfer{}}
	if !quiet {
		p.bar = progressbar.NewOptions64(-1,
			progressbar.OptionSetWriter(barOut),
			progressbar.OptionSetDescription("Downloading"),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
	}
	return p
}

// expect sets the number of tasks shown in the description of the bar.
func (p *progressObserver) expect(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expected = n
	p.describe()
}

func (p *progressObserver) OnProgress(task *downloader.Task, downloaded, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tr, ok := p.transfers[task.ID()]
	if !ok {
		tr = &transfer{}
		p.transfers[task.ID()] = tr
	}
	tr.downloaded, tr.total = downloaded, total
	p.update()
}

func (p *progressObserver) OnComplete(task *downloader.Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ended++
	if tr, ok := p.transfers[task.ID()]; ok && task.Status() != downloader.StatusCompleted {
		// Keep the bar consistent: the bytes of a failed task are not coming
		tr.total = tr.downloaded
	}

	if p.bar != nil {
		_ = p.bar.Clear()
	}
	info := task.Info()
	line := fmt.Sprintf("%-9s %s", info.Status, filepath.Base(info.FilePath))
	switch info.Status {
	case downloader.StatusCompleted:
		line += fmt.Sprintf(" (%s)", humanize.IBytes(uint64(info.Downloaded)))
	case downloader.StatusFailed:
		line += ": " + info.Error
	}
	fmt.Fprintln(p.out, statusColor(info.Status).Sprint(line))
	p.describe()
	p.update()
}

// update must be called with p.mu held.
func (p *progressObserver) update() {
	if p.bar == nil {
		return
	}
	var downloaded, total int64
	known := true
	for _, tr := range p.transfers {
		downloaded += tr.downloaded
		if tr.total < 0 {
			known = false
		}
		total += tr.total
	}
	if known && total > 0 && total != p.bar.GetMax64() {
		p.bar.ChangeMax64(total)
	}
	_ = p.bar.Set64(downloaded)
}

// describe must be called with p.mu held.
func (p *progressObserver) describe() {
	if p.bar != nil {
		p.bar.Describe(fmt.Sprintf("Downloading %d/%d", p.ended, p.expected))
	}
}

func (p *progressObserver) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}

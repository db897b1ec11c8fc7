//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

// Package downloader provides a resumable, concurrent file download engine
// with progress tracking and cooperative cancellation.
//
// A Task transfers one URL into one file. Before sending any byte request
// the task inspects the partial file already on disk: its size is the only
// resume checkpoint. A file shorter than the remote one is resumed with a
// "Range: bytes=N-" request, a file with the same size is considered
// complete and the transfer is skipped, a larger file is discarded.
//
// An Engine runs many tasks on a bounded pool of workers, assigns each task
// a unique ID and fans progress and completion notifications out to the
// per-task Observer and to the engine-wide observers:
//
//	e, err := downloader.NewEngine(downloader.EngineConfig{
//	    OutputDir:   "./downloads",
//	    Concurrency: 3,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer e.Shutdown(true)
//
//	task, err := e.Download(downloader.Request{URL: "https://example.com/model.safetensors"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !task.Wait(0) {
//	    log.Fatal(task.Err())
//	}
package downloader

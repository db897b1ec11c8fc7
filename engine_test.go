//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

package downloader

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/civitdl/downloader/internal/testutil"
)

func newTestEngine(t *testing.T, concurrency int) *Engine {
	t.Helper()
	e, err := NewEngine(EngineConfig{
		OutputDir:   t.TempDir(),
		Concurrency: concurrency,
		Logger:      testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Shutdown(true) })
	return e
}

// gatedServer serves content blocking every GET after the first 100 bytes
// until release is called.
func gatedServer(t *testing.T, content []byte) (*testutil.Server, func()) {
	gate := make(chan struct{})
	release := sync.OnceFunc(func() { close(gate) })
	srv := testutil.NewServer(t, content, testutil.Options{Gate: gate, GateAfter: 100})
	t.Cleanup(release)
	return srv, release
}

func TestNewEngineValidation(t *testing.T) {
	_, err := NewEngine(EngineConfig{OutputDir: t.TempDir(), Concurrency: -1})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = NewEngine(EngineConfig{OutputDir: t.TempDir(), RequestsPerSecond: -5})
	require.ErrorIs(t, err, ErrInvalidRequest)

	dir := filepath.Join(t.TempDir(), "nested", "out")
	e, err := NewEngine(EngineConfig{OutputDir: dir})
	require.NoError(t, err)
	require.DirExists(t, dir)
	require.Equal(t, DefaultConcurrency, e.cfg.Concurrency)
	require.Equal(t, DefaultProgressInterval, e.cfg.ProgressInterval)
	e.Shutdown(true)
}

func TestEngineDownload(t *testing.T) {
	content := testutil.GenerateTestData(1000)
	srv := testutil.NewServer(t, content, testutil.Options{})
	e := newTestEngine(t, 2)

	task, err := e.Download(Request{URL: srv.File("model.safetensors")})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(task.ID(), "task_1_"))
	require.Equal(t, filepath.Join(e.cfg.OutputDir, "model.safetensors"), task.FilePath())
	require.True(t, task.Wait(waitTimeout))
	requireFileContent(t, task.FilePath(), content)

	got, ok := e.GetTask(task.ID())
	require.True(t, ok)
	require.Same(t, task, got)
	_, ok = e.GetTask("task_0_0")
	require.False(t, ok)
	require.Equal(t, map[Status]int{StatusCompleted: 1}, e.Stats())
}

func TestEngineDownloadDestination(t *testing.T) {
	content := testutil.GenerateTestData(100)
	srv := testutil.NewServer(t, content, testutil.Options{})
	e := newTestEngine(t, 2)
	other := t.TempDir()

	explicit := filepath.Join(other, "sub", "explicit.bin")
	task, err := e.Download(Request{URL: srv.File("a.bin"), FilePath: explicit})
	require.NoError(t, err)
	require.Equal(t, explicit, task.FilePath())

	named, err := e.Download(Request{URL: srv.File("b.bin"), OutputDir: other, Filename: "named.bin"})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(other, "named.bin"), named.FilePath())

	require.True(t, e.WaitAll(waitTimeout))
	requireFileContent(t, explicit, content)
	requireFileContent(t, filepath.Join(other, "named.bin"), content)
}

func TestEngineInvalidRequest(t *testing.T) {
	e := newTestEngine(t, 1)
	_, err := e.Download(Request{})
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = e.Download(Request{URL: "not a url"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.Empty(t, e.GetAllTasks())
}

func TestEngineRequestConfig(t *testing.T) {
	srv := testutil.NewServer(t, testutil.GenerateTestData(100), testutil.Options{})
	e := newTestEngine(t, 1)

	task, err := e.Download(Request{URL: srv.File("a.bin"), Config: &Config{BearerToken: "per-task"}})
	require.NoError(t, err)
	require.True(t, task.Wait(waitTimeout))
	for _, r := range srv.Requests() {
		require.Equal(t, "Bearer per-task", r.Header.Get("Authorization"))
	}
}

func TestEngineConcurrencyLimit(t *testing.T) {
	srv, release := gatedServer(t, testutil.GenerateTestData(1000))
	e := newTestEngine(t, 2)

	var tasks []*Task
	for i := range 5 {
		task, err := e.Download(Request{URL: srv.File(fmt.Sprintf("file%d.bin", i))})
		require.NoError(t, err)
		tasks = append(tasks, task)
	}

	require.Eventually(t, func() bool { return len(e.GetActiveTasks()) == 2 }, waitTimeout, 10*time.Millisecond)
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.LessOrEqual(t, len(e.GetActiveTasks()), 2)
		time.Sleep(5 * time.Millisecond)
	}
	pending := 0
	for _, task := range tasks {
		if task.Status() == StatusPending {
			pending++
		}
	}
	require.Equal(t, 3, pending)

	release()
	require.True(t, e.WaitAll(waitTimeout))
	require.Empty(t, e.GetActiveTasks())
}

func TestEngineDownloadBatch(t *testing.T) {
	srv := testutil.NewServer(t, testutil.GenerateTestData(500), testutil.Options{})
	e := newTestEngine(t, 3)

	urls := []string{srv.File("a.bin"), "not a url", srv.File("b.bin"), srv.File("c.bin")}
	tasks := e.DownloadBatch(urls, "", nil)
	require.Len(t, tasks, 3)
	require.Equal(t, urls[0], tasks[0].URL())
	require.Equal(t, urls[2], tasks[1].URL())
	require.Equal(t, urls[3], tasks[2].URL())
	require.Equal(t, tasks, e.GetAllTasks())

	require.True(t, e.WaitAll(waitTimeout))
	for _, task := range tasks {
		require.Equal(t, StatusCompleted, task.Status())
	}
}

func TestEngineUniqueIDs(t *testing.T) {
	srv := testutil.NewServer(t, testutil.GenerateTestData(10), testutil.Options{})
	e := newTestEngine(t, 4)

	ids := map[string]bool{}
	for i := range 20 {
		task, err := e.Download(Request{URL: srv.File(fmt.Sprintf("f%d.bin", i))})
		require.NoError(t, err)
		require.False(t, ids[task.ID()])
		ids[task.ID()] = true
	}
	require.Len(t, ids, 20)

	require.True(t, e.WaitAll(waitTimeout))

	// A taken id gets a random suffix
	e.mu.Lock()
	e.seq = 0
	taken := fmt.Sprintf("task_1_%d", time.Now().Unix())
	e.tasks[taken] = nil
	id := e.nextID()
	delete(e.tasks, taken)
	e.mu.Unlock()
	require.NotEqual(t, taken, id)
	require.True(t, strings.HasPrefix(id, "task_1_"))
}

func TestEngineObservers(t *testing.T) {
	srv := testutil.NewServer(t, testutil.GenerateTestData(1000), testutil.Options{})
	e := newTestEngine(t, 1)

	var mu sync.Mutex
	var calls []string
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, s)
	}
	e.Observe(ObserverFuncs{Complete: func(*Task) { record("global 1") }})
	e.Observe(ObserverFuncs{Complete: func(*Task) { panic("global 2") }})
	e.Observe(ObserverFuncs{Complete: func(*Task) { record("global 3") }})
	e.Observe(nil)

	task, err := e.Download(Request{
		URL:      srv.File("a.bin"),
		Observer: ObserverFuncs{Complete: func(*Task) { record("task") }},
	})
	require.NoError(t, err)
	require.True(t, task.Wait(waitTimeout))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"task", "global 1", "global 3"}, calls)
}

func TestEngineCancelAll(t *testing.T) {
	srv, release := gatedServer(t, testutil.GenerateTestData(1000))
	e := newTestEngine(t, 1)

	first, err := e.Download(Request{URL: srv.File("first.bin")})
	require.NoError(t, err)
	second, err := e.Download(Request{URL: srv.File("second.bin")})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return first.Status() == StatusRunning }, waitTimeout, 10*time.Millisecond)
	e.CancelAll()
	require.False(t, first.Wait(waitTimeout))
	require.Equal(t, StatusCanceled, first.Status())

	release()
	require.True(t, second.Wait(waitTimeout))
	require.False(t, e.WaitAll(waitTimeout))
}

func TestEngineWaitAllTimeout(t *testing.T) {
	srv, release := gatedServer(t, testutil.GenerateTestData(1000))
	e := newTestEngine(t, 2)
	e.DownloadBatch([]string{srv.File("a.bin"), srv.File("b.bin")}, "", nil)

	start := time.Now()
	require.False(t, e.WaitAll(100*time.Millisecond))
	require.Less(t, time.Since(start), 5*time.Second)

	release()
	require.True(t, e.WaitAll(waitTimeout))
	require.True(t, e.WaitAll(0))
}

func TestEngineShutdown(t *testing.T) {
	srv, _ := gatedServer(t, testutil.GenerateTestData(1000))
	e := newTestEngine(t, 1)

	var completions sync.WaitGroup
	completions.Add(3)
	e.Observe(ObserverFuncs{Complete: func(*Task) { completions.Done() }})
	tasks := e.DownloadBatch([]string{srv.File("a.bin"), srv.File("b.bin"), srv.File("c.bin")}, "", nil)
	require.Eventually(t, func() bool { return tasks[0].Status() == StatusRunning }, waitTimeout, 10*time.Millisecond)

	e.Shutdown(true)
	completions.Wait()
	require.True(t, e.IsClosed())
	for _, task := range tasks {
		require.Equal(t, StatusCanceled, task.Status())
	}

	_, err := e.Download(Request{URL: srv.File("d.bin")})
	require.ErrorIs(t, err, ErrEngineClosed)
	e.Shutdown(true)
}

func TestEngineRateLimit(t *testing.T) {
	srv := testutil.NewServer(t, testutil.GenerateTestData(10), testutil.Options{})
	e, err := NewEngine(EngineConfig{OutputDir: t.TempDir(), RequestsPerSecond: 1000, Logger: testLogger()})
	require.NoError(t, err)
	defer e.Shutdown(true)
	require.NotNil(t, e.limiter)

	tasks := e.DownloadBatch([]string{srv.File("a.bin"), srv.File("b.bin")}, "", nil)
	require.True(t, e.WaitAll(waitTimeout))
	require.Same(t, e.limiter, tasks[0].limiter)
}

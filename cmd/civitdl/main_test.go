//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

package main

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	downloader "github.com/civitdl/downloader"
	"github.com/civitdl/downloader/history"
	"github.com/civitdl/downloader/internal/testutil"
)

// execute runs the command line capturing its standard output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.Execute()
	return out.String(), err
}

func TestGet(t *testing.T) {
	content := testutil.GenerateTestData(5000)
	srv := testutil.NewServer(t, content, testutil.Options{})
	dir := t.TempDir()

	code := run([]string{"get", srv.File("model.safetensors"), "-o", dir, "--no-history", "-q"})
	require.Equal(t, exitOK, code)
	data, err := os.ReadFile(filepath.Join(dir, "model.safetensors"))
	require.NoError(t, err)
	require.Equal(t, content, data)

	code = run([]string{"get", srv.File("other.bin"), "-o", dir, "-f", "renamed.bin", "--no-history", "-q"})
	require.Equal(t, exitOK, code)
	require.FileExists(t, filepath.Join(dir, "renamed.bin"))
}

func TestGetErrors(t *testing.T) {
	srv := testutil.NewServer(t, testutil.GenerateTestData(100), testutil.Options{Status: http.StatusNotFound})
	dir := t.TempDir()

	require.Equal(t, exitRuntime, run([]string{"get", srv.File("missing.bin"), "-o", dir, "--no-history", "-q"}))
	require.Equal(t, exitConfig, run([]string{"get", "--no-history"}))
	require.Equal(t, exitConfig, run([]string{"get", "https://a/1", "https://a/2", "-f", "x.bin", "--no-history"}))
	require.Equal(t, exitConfig, run([]string{"get", "https://a/1", "-c", "0", "--no-history"}))
	require.Equal(t, exitConfig, run([]string{"get", "-b", filepath.Join(dir, "missing.txt"), "--no-history"}))
	require.Equal(t, exitConfig, run([]string{"--config", filepath.Join(dir, "missing.yaml"), "get", "https://a/1"}))
}

func TestGetBatchAndHistory(t *testing.T) {
	content := testutil.GenerateTestData(2000)
	srv := testutil.NewServer(t, content, testutil.Options{})
	dir := t.TempDir()
	historyDir := t.TempDir()
	t.Setenv("CIVITDL_HISTORY_DIR", historyDir)

	batch := filepath.Join(dir, "urls.txt")
	list := "# models\n" + srv.File("a.bin") + "\n\n  " + srv.File("b.bin") + "  \n"
	require.NoError(t, os.WriteFile(batch, []byte(list), 0644))

	out, err := execute(t, "get", "-b", batch, "-o", dir, "-q")
	require.NoError(t, err)
	require.Contains(t, out, "2 completed")
	require.FileExists(t, filepath.Join(dir, "a.bin"))
	require.FileExists(t, filepath.Join(dir, "b.bin"))

	store, err := history.Open(historyDir)
	require.NoError(t, err)
	entries, err := store.List("completed", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.NoError(t, store.Close())

	out, err = execute(t, "history")
	require.NoError(t, err)
	require.Contains(t, out, filepath.Join(dir, "a.bin"))
	require.Contains(t, out, filepath.Join(dir, "b.bin"))

	out, err = execute(t, "history", "--status", "failed")
	require.NoError(t, err)
	require.NotContains(t, out, "a.bin")

	out, err = execute(t, "history", "--clear")
	require.NoError(t, err)
	require.Contains(t, out, "2 entries removed")
}

func TestReadBatchFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "urls.txt")
	require.NoError(t, os.WriteFile(path, []byte("https://a/1\n# comment\n\n   \n https://a/2 \n"), 0644))

	urls, err := readBatchFile(path)
	require.NoError(t, err)
	require.Equal(t, []string{"https://a/1", "https://a/2"}, urls)

	_, err = readBatchFile(filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}

func TestSummarize(t *testing.T) {
	content := testutil.GenerateTestData(1024)
	srv := testutil.NewServer(t, content, testutil.Options{})
	gone := testutil.NewServer(t, content, testutil.Options{Status: http.StatusNotFound})
	dir := t.TempDir()

	newTask := func(url, name string) *downloader.Task {
		task, err := downloader.NewTask(url, filepath.Join(dir, name), downloader.Config{})
		require.NoError(t, err)
		return task
	}
	completed := newTask(srv.File("ok.bin"), "ok.bin").Start(nil)
	require.True(t, completed.Wait(10*time.Second))
	failed := newTask(gone.File("ko.bin"), "ko.bin").Start(nil)
	require.False(t, failed.Wait(10*time.Second))
	canceled := newTask(srv.File("stop.bin"), "stop.bin")
	canceled.Cancel()

	var out strings.Builder
	require.NoError(t, summarize(context.Background(), &out, []*downloader.Task{completed}, 1))
	require.Equal(t, "1 completed (1.0 KiB), 0 failed, 0 canceled\n", out.String())

	out.Reset()
	err := summarize(context.Background(), &out, []*downloader.Task{completed, failed}, 3)
	require.EqualError(t, err, "2 download(s) failed")
	require.Equal(t, "1 completed (1.0 KiB), 2 failed, 0 canceled\n", out.String())

	out.Reset()
	err = summarize(context.Background(), &out, []*downloader.Task{completed, canceled}, 2)
	require.EqualError(t, err, "1 download(s) canceled")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out.Reset()
	err = summarize(ctx, &out, []*downloader.Task{canceled}, 1)
	require.EqualError(t, err, "interrupted")
}

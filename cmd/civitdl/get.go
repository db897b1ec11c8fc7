//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gookit/color"
	"github.com/spf13/cobra"

	downloader "github.com/civitdl/downloader"
	"github.com/civitdl/downloader/history"
	"github.com/civitdl/downloader/internal/config"
)

type getOptions struct {
	outputDir   string
	filename    string
	concurrency int
	proxy       string
	noVerify    bool
	timeout     time.Duration
	token       string
	noResume    bool
	batchFile   string
	noHistory   bool
	quiet       bool
}

func newGetCmd(root *rootOptions) *cobra.Command {
	opts := &getOptions{}
	cmd := &cobra.Command{
		Use:   "get [url]...",
		Short: "Download one or more files",
		Long: `Download the given URLs into the output directory.

Partial files left by an interrupted run are resumed when the server
supports range requests.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd, root, opts, args)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.outputDir, "output", "o", "", "output directory")
	f.StringVarP(&opts.filename, "filename", "f", "", "file name (single URL only)")
	f.IntVarP(&opts.concurrency, "concurrency", "c", 0, "maximum number of parallel downloads")
	f.StringVar(&opts.proxy, "proxy", "", "proxy URL")
	f.BoolVar(&opts.noVerify, "no-verify", false, "do not verify TLS certificates")
	f.DurationVar(&opts.timeout, "timeout", 0, "abort a download when no data is received for this long")
	f.StringVar(&opts.token, "token", "", "API token")
	f.BoolVar(&opts.noResume, "no-resume", false, "always download from scratch")
	f.StringVarP(&opts.batchFile, "batch", "b", "", "file with one URL per line")
	f.BoolVar(&opts.noHistory, "no-history", false, "do not record the downloads in the history")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "do not show the progress bar")
	return cmd
}

// apply overrides cfg with the flags set on the command line.
func (o *getOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("output") {
		cfg.OutputDir = o.outputDir
	}
	if f.Changed("concurrency") {
		cfg.Concurrency = o.concurrency
	}
	if f.Changed("proxy") {
		cfg.Proxy = o.proxy
	}
	if f.Changed("no-verify") {
		cfg.NoVerify = o.noVerify
	}
	if f.Changed("timeout") {
		cfg.Timeout = o.timeout
	}
	if f.Changed("token") {
		cfg.Token = o.token
	}
	if f.Changed("no-resume") {
		cfg.NoResume = o.noResume
	}
}

func runGet(cmd *cobra.Command, root *rootOptions, opts *getOptions, args []string) error {
	cfg, err := root.load()
	if err != nil {
		return err
	}
	opts.apply(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	urls := args
	if opts.batchFile != "" {
		batch, err := readBatchFile(opts.batchFile)
		if err != nil {
			return &exitError{code: exitConfig, err: err}
		}
		urls = append(urls, batch...)
	}
	if len(urls) == 0 {
		return &exitError{code: exitConfig, err: errors.New("no URL given")}
	}
	if opts.filename != "" && len(urls) > 1 {
		return &exitError{code: exitConfig, err: errors.New("--filename can only be used with a single URL")}
	}

	log := newLogger(cfg)
	engineCfg, err := cfg.Engine(log)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	engine, err := downloader.NewEngine(engineCfg)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	defer engine.Shutdown(true)

	if !opts.noHistory && cfg.HistoryDir != "" {
		store, err := history.Open(cfg.HistoryDir)
		if err != nil {
			log.Warn("History disabled", "error", err)
		} else {
			defer store.Close()
			engine.Observe(history.NewRecorder(store, log))
		}
	}

	out := cmd.OutOrStdout()
	progress := newProgressObserver(cmd.ErrOrStderr(), out, opts.quiet)
	engine.Observe(progress)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		engine.Shutdown(false)
	}()

	var tasks []*downloader.Task
	if opts.filename != "" {
		task, err := engine.Download(downloader.Request{URL: urls[0], Filename: opts.filename})
		if err != nil {
			return &exitError{code: exitConfig, err: err}
		}
		tasks = append(tasks, task)
	} else {
		tasks = engine.DownloadBatch(urls, "", nil)
	}
	progress.expect(len(tasks))

	engine.WaitAll(0)
	progress.finish()
	return summarize(ctx, out, tasks, len(urls))
}

// summarize prints the outcome of the session and returns an error if any
// download did not complete.
func summarize(ctx context.Context, w io.Writer, tasks []*downloader.Task, submitted int) error {
	var completed, failed, canceled int
	var bytes int64
	for _, t := range tasks {
		switch t.Status() {
		case downloader.StatusCompleted:
			completed++
			bytes += t.Downloaded()
		case downloader.StatusFailed:
			failed++
		case downloader.StatusCanceled:
			canceled++
		}
	}
	rejected := submitted - len(tasks)
	fmt.Fprintf(w, "%d completed (%s), %d failed, %d canceled",
		completed, humanize.IBytes(uint64(bytes)), failed+rejected, canceled)
	fmt.Fprintln(w)

	switch {
	case ctx.Err() != nil:
		return errors.New("interrupted")
	case failed+rejected > 0:
		return fmt.Errorf("%d download(s) failed", failed+rejected)
	case canceled > 0:
		return fmt.Errorf("%d download(s) canceled", canceled)
	}
	return nil
}

// readBatchFile returns the URLs listed in path, one per line. Empty lines
// and lines starting with '#' are skipped.
func readBatchFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening batch file: %w", err)
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading batch file: %w", err)
	}
	return urls, nil
}

func statusColor(s downloader.Status) color.Color {
	switch s {
	case downloader.StatusCompleted:
		return color.Green
	case downloader.StatusFailed:
		return color.Red
	default:
		return color.Yellow
	}
}

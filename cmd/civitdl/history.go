//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/civitdl/downloader/history"
)

type historyOptions struct {
	status string
	limit  int
	clear  bool
}

func newHistoryCmd(root *rootOptions) *cobra.Command {
	opts := &historyOptions{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the recorded downloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if cfg.HistoryDir == "" {
				return &exitError{code: exitConfig, err: errors.New("history directory not configured")}
			}
			store, err := history.Open(cfg.HistoryDir)
			if err != nil {
				return err
			}
			defer store.Close()

			if opts.clear {
				n, err := store.Clear()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d entries removed\n", n)
				return nil
			}
			entries, err := store.List(opts.status, opts.limit)
			if err != nil {
				return err
			}
			renderHistory(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.status, "status", "", "show only the entries with this status")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 20, "maximum number of entries (0 for all)")
	cmd.Flags().BoolVar(&opts.clear, "clear", false, "delete all the entries")
	return cmd
}

func renderHistory(w io.Writer, entries []history.Entry) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Finished", "Status", "Size", "Time", "File"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("\t")

	for _, e := range entries {
		size := "?"
		if e.Size >= 0 {
			size = humanize.IBytes(uint64(e.Size))
		}
		file := e.FilePath
		if e.Error != "" {
			file += " (" + e.Error + ")"
		}
		table.Append([]string{
			strconv.FormatInt(e.ID, 10),
			humanize.Time(e.EndTime),
			e.Status,
			size,
			e.Duration().Round(time.Millisecond).String(),
			file,
		})
	}
	table.Render()
}

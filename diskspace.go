//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

package downloader

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"
)

// diskUsage is replaced in tests.
var diskUsage = disk.Usage

// checkDiskSpace fails when the filesystem holding dir has less than need
// free bytes. An unknown free space is not an error.
func checkDiskSpace(dir string, need int64) error {
	if need <= 0 {
		return nil
	}
	usage, err := diskUsage(dir)
	if err != nil {
		return nil
	}
	if uint64(need) > usage.Free {
		return fmt.Errorf("%w: %s needed, %s available in %s",
			ErrInsufficientSpace, humanize.IBytes(uint64(need)), humanize.IBytes(usage.Free), dir)
	}
	return nil
}

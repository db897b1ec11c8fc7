//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// watchdog cancels its context when it has not been kicked for longer than
// the configured inactivity timeout.
type watchdog struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	timer   *time.Timer
	timeout time.Duration
}

func newWatchdog(parent context.Context, timeout time.Duration) (context.Context, *watchdog) {
	ctx, cancel := context.WithCancelCause(parent)
	wd := &watchdog{
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
	}
	if timeout > 0 {
		wd.timer = time.AfterFunc(timeout, func() {
			cancel(fmt.Errorf("no data received for %s: %w", timeout, os.ErrDeadlineExceeded))
		})
	}
	return ctx, wd
}

// Kick postpones the expiration by another full timeout.
func (wd *watchdog) Kick() {
	if wd.timer != nil {
		wd.timer.Reset(wd.timeout)
	}
}

// Expired reports whether the context was canceled by the inactivity timer.
func (wd *watchdog) Expired() bool {
	return errors.Is(context.Cause(wd.ctx), os.ErrDeadlineExceeded)
}

// Err returns the inactivity error if the watchdog fired, nil otherwise.
func (wd *watchdog) Err() error {
	if !wd.Expired() {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTimeout, context.Cause(wd.ctx))
}

func (wd *watchdog) Stop() {
	if wd.timer != nil {
		wd.timer.Stop()
	}
	wd.cancel(nil)
}

/***************************************************************
 *
 * Copyright (C) 2025, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"
	"golang.org/x/sync/errgroup"

	"github.com/cybergis/hpcsup/transfer"
)

type (
	progressStatus struct {
		files  int64 // Files transferred so far
		total  int64 // Files in the task, once the service knows
		bytes  int64
		status transfer.Status
	}

	taskBar struct {
		bar       *mpb.Bar
		bytes     atomic.Int64
		completed bool
	}

	// progressBars draws one bar per transfer task from the observations
	// the coordinator hands to callback.
	progressBars struct {
		lock     sync.RWMutex
		done     chan struct{}
		finished chan struct{}
		status   map[string]progressStatus
		out      io.Writer
	}
)

func newProgressBars(out io.Writer) *progressBars {
	return &progressBars{
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		status:   make(map[string]progressStatus),
		out:      out,
	}
}

func (pb *progressBars) callback(handle transfer.Handle, info transfer.TaskInfo) {
	pb.lock.Lock()
	defer pb.lock.Unlock()
	pb.status[handle.TaskID] = progressStatus{
		files:  info.FilesTransferred,
		total:  info.Files,
		bytes:  info.BytesTransferred,
		status: info.Status,
	}
}

// shutdown stops the display and waits until the last frame is drawn.
func (pb *progressBars) shutdown() {
	close(pb.done)
	<-pb.finished
}

func (pb *progressBars) launchDisplay(ctx context.Context, egrp *errgroup.Group) {
	progressCtr := mpb.NewWithContext(ctx, mpb.WithOutput(pb.out))
	log.Debugln("Launch progress bars display")

	egrp.Go(func() error {
		defer close(pb.finished)
		defer progressCtr.Wait()

		tickDuration := 500 * time.Millisecond
		ticker := time.NewTicker(tickDuration)
		defer ticker.Stop()
		bars := make(map[string]*taskBar)
		abortAll := func() {
			for _, tb := range bars {
				if !tb.completed {
					tb.bar.Abort(false)
				}
			}
		}
		for {
			select {
			case <-ctx.Done():
				abortAll()
				return nil
			case <-pb.done:
				abortAll()
				return nil
			case <-ticker.C:
				pb.lock.RLock()
				snapshot := make(map[string]progressStatus, len(pb.status))
				for taskID, stat := range pb.status {
					snapshot[taskID] = stat
				}
				pb.lock.RUnlock()

				for taskID, stat := range snapshot {
					tb := bars[taskID]
					if tb == nil {
						tb = &taskBar{}
						bytes := &tb.bytes
						tb.bar = progressCtr.AddBar(0,
							mpb.PrependDecorators(
								decor.Name(taskID, decor.WCSyncSpaceR),
								decor.CountersNoUnit("%d / %d files", decor.WCSyncWidth),
							),
							mpb.AppendDecorators(
								decor.Any(func(decor.Statistics) string {
									return fmt.Sprintf("% .2f", decor.SizeB1024(bytes.Load()))
								}),
								decor.OnComplete(decor.Name(""), " Done!"),
							),
						)
						bars[taskID] = tb
					}
					if tb.completed {
						continue
					}
					tb.bytes.Store(stat.bytes)
					if stat.total > 0 {
						tb.bar.SetTotal(stat.total, false)
					}
					tb.bar.SetCurrent(stat.files)
					if stat.status.Terminal() {
						tb.bar.SetTotal(max64(stat.total, stat.files), true)
						tb.completed = true
					}
				}
			}
		}
	})
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

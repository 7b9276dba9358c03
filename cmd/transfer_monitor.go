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
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cybergis/hpcsup/transfer"
)

var (
	transferMonitorCmd = &cobra.Command{
		Use:   "monitor <task id>",
		Short: "Wait for a transfer to finish and print its final status",
		Long: `Poll a transfer until it succeeds or fails, then print the final
status as @status=[...].  Failed status queries are logged and polling
continues, up to Transfer.MaxPollFailures in a row when that is set.`,
		Args: cobra.ExactArgs(1),
		RunE: transferMonitorMain,
	}
)

func init() {
	flags := transferMonitorCmd.Flags()
	flags.Duration("timeout", 0, "Stop waiting after this long (0 waits forever)")
	flags.Bool("progress", false, "Draw a progress bar on stderr when it is a terminal")
}

func transferMonitorMain(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rep, w := newReporter(cmd)
	handle := transfer.Handle{TaskID: args[0]}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var onStatus func(transfer.Handle, transfer.TaskInfo)
	if showProgress, _ := cmd.Flags().GetBool("progress"); showProgress && term.IsTerminal(int(os.Stderr.Fd())) {
		pb := newProgressBars(os.Stderr)
		pb.launchDisplay(ctx, getEgrp(cmd.Context()))
		defer pb.shutdown()
		onStatus = pb.callback
	}

	coord, err := newCoordinator(ctx, onStatus)
	if err != nil {
		return err
	}
	start := time.Now()
	result, err := coord.AwaitTerminal(ctx, handle, func(err error) {
		log.Warningf("Status query for transfer task %s failed; will retry: %v", handle.TaskID, err)
	})
	if err != nil {
		reportUnknownTransfer(rep, handle.TaskID, err)
		return reportedErr(w, err)
	}
	rep.Key("status", string(result.Status))
	if result.Status == transfer.StatusFailed {
		log.Warningf("Transfer task %s failed after %s: %s", handle.TaskID, time.Since(start).Round(time.Second), result.Info.NiceStatus)
	} else {
		log.Infof("Transfer task %s ended as %s after %s", handle.TaskID, result.Status, time.Since(start).Round(time.Second))
	}
	return nil
}

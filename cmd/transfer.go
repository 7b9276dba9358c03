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
	"io"
	"sync/atomic"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cybergis/hpcsup/globus"
	"github.com/cybergis/hpcsup/lifecycle"
	"github.com/cybergis/hpcsup/param"
	"github.com/cybergis/hpcsup/transfer"
)

type (
	// reportWriter remembers whether anything reached the orchestrator, so
	// a command that already reported its failure can still exit 0.
	reportWriter struct {
		out     io.Writer
		written atomic.Bool
	}
)

var (
	transferCmd = &cobra.Command{
		Use:   "transfer",
		Short: "Move data between endpoints with the managed transfer service",
	}
)

func (w *reportWriter) Write(p []byte) (int, error) {
	w.written.Store(true)
	return w.out.Write(p)
}

func (w *reportWriter) Reported() bool {
	return w.written.Load()
}

func newReporter(cmd *cobra.Command) (*lifecycle.Reporter, *reportWriter) {
	w := &reportWriter{out: cmd.OutOrStdout()}
	return lifecycle.NewReporter(w), w
}

// reportedErr drops err when an event describing it was already written.
func reportedErr(w *reportWriter, err error) error {
	if err != nil && w.Reported() {
		return nil
	}
	return err
}

func newCoordinator(ctx context.Context, onStatus func(transfer.Handle, transfer.TaskInfo)) (*transfer.Coordinator, error) {
	client, err := globus.NewClientFromParams(ctx)
	if err != nil {
		return nil, err
	}
	conf := transfer.ConfigFromParams()
	conf.OnStatus = onStatus
	return transfer.NewCoordinator(client, conf), nil
}

func init() {
	transferCmd.AddCommand(transferInitCmd)
	transferCmd.AddCommand(transferMaintainCmd)
	transferCmd.AddCommand(transferSubmitCmd)
	transferCmd.AddCommand(transferStatusCmd)
	transferCmd.AddCommand(transferMonitorCmd)
	transferCmd.AddCommand(transferCancelCmd)

	flags := transferCmd.PersistentFlags()
	flags.String("source-endpoint", "", "Collection id of the transfer source")
	flags.String("destination-endpoint", "", "Collection id of the transfer destination")
	if err := viper.BindPFlag(param.Transfer_SourceEndpoint.GetName(), flags.Lookup("source-endpoint")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag(param.Transfer_DestinationEndpoint.GetName(), flags.Lookup("destination-endpoint")); err != nil {
		panic(err)
	}
}

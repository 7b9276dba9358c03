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
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/cybergis/hpcsup/config"
	"github.com/cybergis/hpcsup/logging"
	"github.com/cybergis/hpcsup/metrics"
	"github.com/cybergis/hpcsup/param"
)

type egrpKey struct{}

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "hpcsup",
		Short: "Run model jobs and data transfers on HPC machines",
		Long: `hpcsup submits hydrology model runs to HPC batch schedulers over SSH,
moves their data with a managed transfer service, and follows both until
they finish.  Progress is reported on stdout as @event=[...], @var=[...]
and @key=[...] lines for an orchestrating process; logs go to stderr.`,
		SilenceUsage:      true,
		PersistentPreRunE: initCommand,
	}
)

// initCommand loads configuration and routes the logs buffered so far to
// their final destination.
func initCommand(cmd *cobra.Command, args []string) error {
	if err := config.InitConfig(cfgFile); err != nil {
		return err
	}
	if err := logging.ApplyLevel(); err != nil {
		return err
	}
	return logging.FlushLogs(true)
}

// getEgrp returns the errgroup that background helpers of a command, such as
// progress displays, should run in.
func getEgrp(ctx context.Context) *errgroup.Group {
	if egrp, ok := ctx.Value(egrpKey{}).(*errgroup.Group); ok {
		return egrp
	}
	egrp, _ := errgroup.WithContext(ctx)
	return egrp
}

func Execute() error {
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	egrp, egrpCtx := errgroup.WithContext(sigCtx)
	ctx := context.WithValue(egrpCtx, egrpKey{}, egrp)

	exeErr := rootCmd.ExecuteContext(ctx)
	if exeErr != nil {
		log.Errorln("Command failed:", exeErr)
	}
	egrpErr := egrp.Wait()
	if egrpErr != nil && !errors.Is(egrpErr, context.Canceled) {
		log.Errorln("Background task failed:", egrpErr)
	}

	if health := metrics.GetHealthStatus(); len(health.Components) > 0 {
		log.Debugln("Remote service health at exit:", health)
	}
	if err := metrics.WriteTextfile(param.Metrics_TextfilePath.GetString()); err != nil {
		log.Warningln(err)
	}
	// Logs raised before configuration was read must still be seen.
	if err := logging.FlushLogs(false); err != nil {
		log.Warningln(err)
	}
	logging.CloseLogger()
	return exeErr
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(transferCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(eventsCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/hpcsup/hpcsup.yaml)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logs")
	rootCmd.PersistentFlags().StringP("log", "l", "", "Specified log output file")
	rootCmd.PersistentFlags().String("metrics-file", "", "Write metrics to this file on exit, for a node_exporter textfile collector")
	// Only here so --help lists it; handleCLI acts on it.
	rootCmd.PersistentFlags().BoolP("version", "", false, "Print the version and exit")

	if err := viper.BindPFlag(param.Debug.GetName(), rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag(param.Logging_LogLocation.GetName(), rootCmd.PersistentFlags().Lookup("log")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag(param.Metrics_TextfilePath.GetName(), rootCmd.PersistentFlags().Lookup("metrics-file")); err != nil {
		panic(err)
	}
}

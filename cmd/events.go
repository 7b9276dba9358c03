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
	"bufio"
	"encoding/json"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cybergis/hpcsup/lifecycle"
)

var (
	eventsCmd = &cobra.Command{
		Use:   "events",
		Short: "Work with lifecycle event output",
	}

	eventsParseCmd = &cobra.Command{
		Use:   "parse",
		Short: "Read @event, @var and @key lines from stdin and print them as JSON",
		Long: `Read the output of another hpcsup command from stdin and print one JSON
object per protocol line.  Lines that are not protocol directives are
skipped.`,
		Args: cobra.NoArgs,
		RunE: eventsParseMain,
	}
)

func init() {
	eventsCmd.AddCommand(eventsParseCmd)
}

func eventsParseMain(cmd *cobra.Command, args []string) error {
	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	enc := json.NewEncoder(cmd.OutOrStdout())

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		directive, err := lifecycle.Parse(scanner.Text())
		if errors.Is(err, lifecycle.ErrNotDirective) {
			continue
		} else if err != nil {
			log.Warningf("Line %d: %v", lineNo, err)
			continue
		}
		if err := enc.Encode(directive); err != nil {
			return errors.Wrap(err, "failed to write directive")
		}
	}
	return errors.Wrap(scanner.Err(), "failed to read input")
}

// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command dgproxy is the filtering forward proxy's entry point: "run"
// starts the supervisor and its auxiliary services, "worker" is the
// internal re-exec target the supervisor launches for every pooled
// worker, and "reload"/"version" are small operator conveniences.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dgproxy/internal/config"
)

const versionString = "dgproxy 1.0.0"

func main() {
	cfg := config.Default()

	root := &cobra.Command{
		Use:   "dgproxy",
		Short: "Filtering forward proxy core",
		Long: `dgproxy is a prefork, filtering forward HTTP proxy: a supervisor process
preforks a pool of worker processes and hands each accepted connection to
an idle worker over a control channel, while three small auxiliary
services (URL cache, IP accounting, log writer) run alongside it.`,
	}

	root.AddCommand(
		newRunCommand(&cfg),
		newWorkerCommand(),
		newReloadCommand(&cfg),
		newVersionCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(versionString)
			return nil
		},
	}
}

/*
Copyright 2025 Mosaic HQ Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mosaic-hq/provisio"
	"github.com/mosaic-hq/provisio/config"
	"github.com/mosaic-hq/provisio/database"
	"github.com/mosaic-hq/provisio/internal/notification"
)

// Provisio represents the CLI application, encapsulating the root Cobra command.
type Provisio struct {
	cmd *cobra.Command
}

// provisioInstance holds the service instance and its configuration for use by
// the subcommands.
type provisioInstance struct {
	provisio *provisio.Provisio
	cnf      *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun sets up the configuration and initializes the service instance before
// running any command.
func preRun(app *provisioInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("provisio.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newProvisio, err := setupProvisio(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.provisio = newProvisio
		app.cnf = cnf

		return nil
	}
}

func setupProvisio(cfg *config.Configuration) (*provisio.Provisio, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newProvisio, err := provisio.NewProvisio(db)
	if err != nil {
		return nil, fmt.Errorf("error creating provisio: %v", err)
	}
	return newProvisio, nil
}

// NewCLI creates the command-line interface for the Provisio application.
func NewCLI() *Provisio {
	var configFile string
	b := &provisioInstance{}

	var rootCmd = &cobra.Command{
		Use:   "provisio",
		Short: "Idempotent provisioning coordinator",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./provisio.json", "Configuration file for provisio")
	rootCmd.PersistentPreRunE = preRun(b)

	rootCmd.AddCommand(serverCommands(b))
	rootCmd.AddCommand(workerCommands(b))
	rootCmd.AddCommand(migrateCommands(b))

	return &Provisio{cmd: rootCmd}
}

func (w Provisio) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}

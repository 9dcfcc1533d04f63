// Copyright 2021 IBM Corp.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sid2001/FileVault/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:           "filevault",
		Short:         "Deduplicating file vault",
		Long:          `Content addressed file storage with per user quotas, sharing and audit.`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file")
	root.PersistentFlags().String("log-level", "", "log level: error, warn, info, debug or trace")
	root.PersistentFlags().String("db", "", "sqlite database path")

	root.AddCommand(serveCmd(), migrateCmd(), sweepCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadViper reads the config file and environment and binds the flags of
// cmd on top.
func loadViper(cmd *cobra.Command, bindings map[string]string) (*viper.Viper, error) {
	v, err := config.New(cfgFile)
	if err != nil {
		return nil, err
	}

	all := map[string]string{
		"log.level":     "log-level",
		"database.path": "db",
	}
	for key, flag := range bindings {
		all[key] = flag
	}

	for key, flag := range all {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, err
		}
	}

	return v, nil
}

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
	"github.com/sid2001/FileVault/pkg/database"
	"github.com/spf13/cobra"
)

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run garbage collection and tombstone purge once",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := loadViper(cmd, nil)
			if err != nil {
				return err
			}

			m, cleanup, err := initializeMaintenance(v)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := database.Migrate(m.DB); err != nil {
				return err
			}
			return m.Scheduler.RunOnce(cmd.Context())
		},
	}
}

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
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the health service and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := loadViper(cmd, map[string]string{
				"server.address":        "address",
				"server.health_address": "health-address",
				"storage.type":          "storage",
				"storage.root":          "storage-root",
			})
			if err != nil {
				return err
			}

			app, cleanup, err := initializeApp(v)
			if err != nil {
				return err
			}
			defer cleanup()

			return app.Run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.String("address", "", "address for the HTTP API")
	flags.String("health-address", "", "address for the gRPC health service")
	flags.String("storage", "", "blob backend: fs or memory")
	flags.String("storage-root", "", "root directory of the fs backend")

	return cmd
}

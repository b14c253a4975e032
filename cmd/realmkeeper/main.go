// Copyright 2026 The RealmKeeper Authors
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

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/realmkeeper/realmkeeper/internal/config"
	"github.com/realmkeeper/realmkeeper/internal/observability/logger"
)

var configFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "realmkeeper",
		Short: "Multi-tenant access key redemption service",
		Long: `RealmKeeper stores one-time access keys per tenant and redeems them
for entitlements granted by an external platform.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"YAML configuration file (overrides "+config.FileEnv+")")

	root.AddCommand(newServeCmd(), newMigrateCmd(), newSnapshotCmd(), newTokenCmd())
	return root
}

// loadConfig reads configuration and initializes the default logger,
// writing log records to out.
func loadConfig(out io.Writer) (*config.Config, *slog.Logger, error) {
	if configFile != "" {
		os.Setenv(config.FileEnv, configFile)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	l := logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
		Output:      out,
		DisableOTel: !cfg.Observability.OTELEnabled,
	})
	return cfg, l, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

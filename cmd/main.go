// Copyright 2025 UMH Systems GmbH
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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/smartspace/pkg/broker"
	"github.com/united-manufacturing-hub/smartspace/pkg/config"
	"github.com/united-manufacturing-hub/smartspace/pkg/constants"
	"github.com/united-manufacturing-hub/smartspace/pkg/gateway"
	"github.com/united-manufacturing-hub/smartspace/pkg/logger"
	"github.com/united-manufacturing-hub/smartspace/pkg/metrics"
	"github.com/united-manufacturing-hub/smartspace/pkg/query"
	"github.com/united-manufacturing-hub/smartspace/pkg/rdf"
	"github.com/united-manufacturing-hub/smartspace/pkg/sentry"
	"github.com/united-manufacturing-hub/smartspace/pkg/starvationchecker"
	"github.com/united-manufacturing-hub/smartspace/pkg/store/backends"
	"github.com/united-manufacturing-hub/smartspace/pkg/version"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "sib",
		Short:        "Semantic information broker for a shared RDF smart space",
		SilenceUsage: true,
	}

	root.AddCommand(newServeCommand(), newVersionCommand())

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("sib %s (%s)\n", version.GetAppVersion(), version.GetGoVersion())
		},
	}
}

func newServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", constants.DefaultConfigPath, "path to the config file")

	return cmd
}

func serve(ctx context.Context, configPath string) error {
	logger.Initialize()

	defer func() {
		_ = logger.Sync()
	}()

	log := logger.For(logger.ComponentCore)
	log.Infof("Starting sib %s", version.GetAppVersion())

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Errorf("Failed to load config: %s", err)

		return err
	}

	sentry.InitSentry(version.GetAppVersion(), cfg.Sentry.DSN, true)

	st, err := backends.Open(ctx, cfg.Store, logger.For(logger.ComponentStore))
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to open %s store: %s", cfg.Store.Backend, err)

		return err
	}

	defer func() {
		if err := st.Close(); err != nil {
			sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to close store: %s", err)
		}
	}()

	if cfg.Metrics.Addr != "" {
		server := metrics.SetupMetricsEndpoint(cfg.Metrics.Addr)

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to shutdown metrics server: %s", err)
			}
		}()
	}

	reasoner := query.NewReasoner(rdf.NewNamespaces(cfg.Space.Namespaces), logger.For(logger.ComponentReasoner))
	indications := gateway.NewIndications(cfg.Gateway.IndicationBacklogTTL)

	b, err := broker.New(cfg, st, reasoner, indications)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to create broker: %s", err)

		return err
	}

	checker := starvationchecker.NewStarvationChecker(cfg.Starvation.Threshold, b)
	b.OnCycle(checker.UpdateLastCycleTime)
	b.Start(ctx)

	defer shutdownBroker(b, checker, log)

	group, groupCtx := errgroup.WithContext(ctx)

	if cfg.Gateway.Enabled {
		gw := gateway.New(cfg.Gateway, b, indications)

		group.Go(gw.ListenAndServe)
		group.Go(func() error {
			<-groupCtx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			defer cancel()

			return gw.Shutdown(shutdownCtx)
		})
	} else {
		log.Info("Gateway disabled via configuration")
		group.Go(func() error {
			<-groupCtx.Done()

			return nil
		})
	}

	log.Infof("Smart space %s is up", cfg.Space.Name)

	if err := group.Wait(); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeError, log, "Serving failed: %s", err)

		return fmt.Errorf("serving failed: %w", err)
	}

	log.Info("sib completed")

	return nil
}

func shutdownBroker(b *broker.Broker, checker *starvationchecker.StarvationChecker, log *zap.SugaredLogger) {
	checker.Stop()

	if err := b.Close(); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to close broker: %s", err)
	}
}

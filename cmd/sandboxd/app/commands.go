// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app wires sandboxd's composition root: configuration, the tool
// registry, the session router, every resource backend, the dispatcher, and
// the HTTP server, behind a small cobra CLI.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/sandboxd/pkg/api"
	v1 "github.com/stacklok/sandboxd/pkg/api/v1"
	"github.com/stacklok/sandboxd/pkg/backend"
	"github.com/stacklok/sandboxd/pkg/config"
	"github.com/stacklok/sandboxd/pkg/database"
	"github.com/stacklok/sandboxd/pkg/dispatch"
	"github.com/stacklok/sandboxd/pkg/logger"
	"github.com/stacklok/sandboxd/pkg/ragbackend"
	"github.com/stacklok/sandboxd/pkg/registry"
	"github.com/stacklok/sandboxd/pkg/session"
	"github.com/stacklok/sandboxd/pkg/tools"
	"github.com/stacklok/sandboxd/pkg/vmpool"
)

var rootCmd = &cobra.Command{
	Use:               "sandboxd",
	DisableAutoGenTag: true,
	Short:             "Sandbox tool-execution service",
	Long: `sandboxd dispatches named tool actions ("resource:action") against a
registry of API tools and stateful resource backends (a pooled VM desktop,
CSV-backed databases, a keyword-search index), routing stateful calls
through per-worker sessions with TTL expiry.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd builds the sandboxd CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to sandboxd configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newToolsCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the sandbox tool-execution HTTP server",
		RunE:  runServe,
	}
}

// build assembles every wired component from cfg, short of starting the
// HTTP server, so both "serve" and "tools list" share the exact same
// registry construction.
func build(cfg *config.Config) (*registry.Registry, *session.Router, *backend.Manager, error) {
	reg := registry.New()
	router := session.NewRouter(cfg.Server.SessionTTL)
	backends := backend.NewManager()

	apis := make(map[string]interface{}, len(cfg.APIs))
	for key, section := range cfg.APIs {
		apis[key] = section
	}
	if n := tools.RegisterAll(reg, apis); n == 0 {
		logger.Warnf("No stateless API tools registered")
	}

	if vmCfg, ok := cfg.Resources["vm"]; ok && vmCfg.Enabled {
		image, _ := vmCfg.DefaultConfig["image"].(string)
		if image == "" {
			image = "sandboxd/desktop-agent:latest"
		}
		provider, err := vmpool.NewDockerProvider(image)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("vm backend: %w", err)
		}
		vmBackend := vmpool.NewBackend(provider, vmCfg.DefaultConfig)
		backends.Register(vmBackend, router, reg, vmCfg.DefaultConfig)
	}

	if dbCfg, ok := cfg.Resources["database"]; ok && dbCfg.Enabled {
		dbBackend := database.NewBackend(dbCfg.DefaultConfig)
		backends.Register(dbBackend, router, reg, dbCfg.DefaultConfig)
	}

	if ragCfg, ok := cfg.Resources["rag"]; ok && ragCfg.Enabled {
		ragBackend := ragbackend.NewBackend(ragCfg.DefaultConfig)
		backends.Register(ragBackend, router, reg, ragCfg.DefaultConfig)
	}

	return reg, router, backends, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	configPath := viper.GetString("config")
	if configPath == "" {
		return fmt.Errorf("no configuration file specified, use --config flag")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	reg, router, backends, err := build(cfg)
	if err != nil {
		return err
	}
	dispatcher := dispatch.New(reg, router, backends)

	for _, name := range cfg.Server.WarmupTargets {
		if err := backends.EnsureWarmedUp(ctx, name); err != nil {
			logger.Errorf("Warmup failed for %s: %v", name, err)
		}
	}

	deps := v1.Deps{
		Dispatcher: dispatcher,
		Router:     router,
		Registry:   reg,
		Backends:   backends,
	}

	go v1.BackgroundExpiry(ctx, router, time.Minute)

	address := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	err = api.Serve(ctx, address, deps)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if results := backends.ShutdownAll(shutdownCtx); len(results) > 0 {
		for name, shutdownErr := range results {
			if shutdownErr != nil {
				logger.Errorf("Backend shutdown failed: %s - %v", name, shutdownErr)
			}
		}
	}
	return err
}

func newToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the registered tool catalog",
	}
	cmd.AddCommand(newToolsListCmd())
	return cmd
}

func newToolsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every registered tool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath := viper.GetString("config")
			if configPath == "" {
				return fmt.Errorf("no configuration file specified, use --config flag")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			reg, _, _, err := build(cfg)
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.Options(tablewriter.WithHeader([]string{"Name", "Resource Type", "Stateless", "Description"}))
			for _, d := range reg.List() {
				stateless := "no"
				if d.Stateless() {
					stateless = "yes"
				}
				resourceType := d.ResourceType
				if resourceType == "" {
					resourceType = "-"
				}
				if err := table.Append([]string{d.FullName, resourceType, stateless, d.Description}); err != nil {
					return fmt.Errorf("failed to append row: %w", err)
				}
			}
			if err := table.Render(); err != nil {
				return fmt.Errorf("failed to render table: %w", err)
			}
			return nil
		},
	}
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package process provides shared command execution scaffolding:
// configuration-file and environment binding, logging setup, and a
// root context that ends on SIGINT/SIGTERM.
package process

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/refrepo/internal/cfgstruct"
)

// Error is the class of process errors.
var Error = errs.Class("process")

var (
	logLevel = flag.String("log.level", "info", "minimum log level")
	logDev   = flag.Bool("log.development", false, "use development logger encoding")
)

// Bind attaches the configuration struct to the command flags and
// remembers it for viper binding at execution time.
func Bind(cmd *cobra.Command, config interface{}) {
	cfgstruct.Bind(cmd.Flags(), config)
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		_ = viper.BindPFlag(f.Name, f)
	})
}

// Exec runs a root *cobra.Command with process-wide configuration
// loading from file and environment.
func Exec(cmd *cobra.Command) {
	cfgFile := flag.String("config", defaultConfigPath(cmd.Name()), "config file")

	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)

	cobra.OnInitialize(func() {
		viper.SetEnvPrefix("refrepo")
		viper.AutomaticEnv()
		if *cfgFile != "" {
			viper.SetConfigFile(*cfgFile)
			_ = viper.ReadInConfig()
		}
	})

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Ctx returns a context that is cancelled when the process receives
// SIGINT or SIGTERM.
func Ctx(cmd *cobra.Command) context.Context {
	ctx, cancel := context.WithCancel(cmd.Context())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		cancel()
	}()
	return ctx
}

// NewLogger creates the process logger.
func NewLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(*logLevel)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	config := zap.NewProductionConfig()
	if *logDev {
		config = zap.NewDevelopmentConfig()
	}
	config.Level = level
	return config.Build()
}

func defaultConfigPath(name string) string {
	if name == "" {
		name = filepath.Base(os.Args[0])
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".refrepo", name+".yaml")
	}
	return filepath.Join(home, ".refrepo", name+".yaml")
}

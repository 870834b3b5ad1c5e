package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/easzlab/ezdsr/pkg/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version    = "dev"
	configPath string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ezdsr",
		Short: "ezdsr - IPv6 direct server return load balancer",
		Long:  "An IPv6 layer 3/4 load balancer datapath with direct server return, driven by a declarative service directory.",
		RunE:  runDaemon,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/ezdsr/ezdsr.yaml", "path to config file")

	rootCmd.AddCommand(newOnceCommand())
	rootCmd.AddCommand(newVersionCommand())
	rootCmd.AddCommand(newDumpCommand())
	rootCmd.AddCommand(newSimulateCommand())

	return rootCmd
}

func newOnceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single reconcile pass and exit",
		RunE:  runOnce,
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ezdsr version %s\n", version)
		},
	}
}

// runDaemon starts the server in daemon mode with signal handling.
func runDaemon(cmd *cobra.Command, args []string) error {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	logger := newLogger(level, "stdout")
	defer logger.Sync()

	logger.Info("starting ezdsr",
		zap.String("version", version),
		zap.String("config", configPath),
	)

	srv, err := server.NewServer(configPath, level, logger)
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signalChan
		logger.Info("received signal", zap.String("signal", sig.String()))
		cancel()
	}()

	return srv.Run(ctx)
}

// runOnce performs a single reconcile pass and exits.
func runOnce(cmd *cobra.Command, args []string) error {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	logger := newLogger(level, "stdout")
	defer logger.Sync()

	logger.Info("running single reconcile",
		zap.String("version", version),
		zap.String("config", configPath),
	)

	srv, err := server.NewServer(configPath, level, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.RunOnce()
}

// newToolLogger returns the logger of the inspection commands. It keeps
// stdout free for their output.
func newToolLogger() *zap.Logger {
	return newLogger(zap.NewAtomicLevelAt(zap.WarnLevel), "stderr")
}

// newLogger creates a production zap logger with console encoding for readability.
func newLogger(level zap.AtomicLevel, output string) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	loggerConfig := zap.Config{
		Level:            level,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := loggerConfig.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	return logger
}

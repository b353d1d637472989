package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3FT-io/datagate/pkg/api"
	"github.com/3FT-io/datagate/pkg/client"
	"github.com/3FT-io/datagate/pkg/config"
	"github.com/3FT-io/datagate/pkg/core"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "datagate",
		Short:        "chunked dataset upload, credential issuance and model serving",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd(), pushCmd(), trainCmd(), predictCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the datagate server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv(config.EnvConfigPath)
			}
			cfg := config.DefaultConfig()
			if configPath != "" {
				var err error
				if cfg, err = config.Load(configPath); err != nil {
					return err
				}
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml (default $"+config.EnvConfigPath+")")
	return cmd
}

func serve(cfg *config.Config) error {
	logger, err := cfg.Logging.Logger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	node, err := core.NewNode(cfg, core.WithLogger(logger))
	if err != nil {
		return err
	}

	server, err := api.NewAPI(node, cfg.Server, logger)
	if err != nil {
		node.Stop()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := node.Start(ctx); err != nil {
		node.Stop()
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-errCh:
		logger.Error("API server error", zap.Error(err))
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error shutting down API server", zap.Error(err))
	}

	if err := node.Stop(); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}
	return nil
}

type clientFlags struct {
	server    string
	clientID  string
	key       string
	chunkSize int
	retries   int
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.server, "server", "http://localhost:8080", "server base URL")
	cmd.Flags().StringVar(&f.clientID, "client-id", "", "client identity")
	cmd.Flags().StringVar(&f.key, "key", "", "credential returned by push")
	cmd.Flags().IntVar(&f.chunkSize, "chunk-size", client.DefaultChunkSize, "upload chunk size in bytes")
	cmd.Flags().IntVar(&f.retries, "retries", client.DefaultRetries, "retries per chunk")
}

func (f *clientFlags) client() (*client.TransferClient, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return client.New(f.server, f.clientID,
		client.WithChunkSize(f.chunkSize),
		client.WithRetries(f.retries, client.DefaultBackoff),
		client.WithCredential(core.Credential(f.key)),
		client.WithLogger(logger),
	)
}

func pushCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "push FILE",
		Short: "upload a dataset in chunks, merge it and print the credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			key, err := c.Push(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func trainCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "train DATASET",
		Short: "train the model on a merged dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.clientID == "" {
				flags.clientID = "cli"
			}
			c, err := flags.client()
			if err != nil {
				return err
			}
			result, err := c.Train(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "accuracy: %.4f (train %d, test %d)\n",
				result.Accuracy, result.TrainSamples, result.TestSamples)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func predictCmd() *cobra.Command {
	var (
		flags    clientFlags
		features []float64
	)

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "classify one feature row",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			label, err := c.Predict(cmd.Context(), features)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), label)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().Float64SliceVar(&features, "data", nil, "comma separated feature values")
	return cmd
}

package cmd

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/crankbench/crank/internal/common/app"
	"github.com/crankbench/crank/internal/common/logging"
	"github.com/crankbench/crank/internal/jobs/httpclient"
)

// RootCmd builds the load generator command. It is meant to run as a crank job: it logs to stderr
// and prints its statistics block to stdout when done.
func RootCmd() *cobra.Command {
	var config httpclient.Config
	var logLevel string

	cmd := &cobra.Command{
		Use:          "crank-httpclient",
		SilenceUsage: true,
		Short:        "Sends HTTP requests over a fixed number of connections and reports what came back",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.ConfigureLogging(logging.Config{Level: logLevel, Format: "text"})
			if err != nil {
				return err
			}
			logger.Logger.SetOutput(cmd.ErrOrStderr())

			ctx, cancel := app.CreateContextWithShutdown()
			defer cancel()

			result, err := httpclient.New(config, nil, logger).Run(ctx)
			if err != nil {
				return err
			}
			logger.Infof("Sent %d request(s), %.0f/s", result.Requests, result.RequestsPerSecond())
			return errors.WithMessage(httpclient.Publish(cmd.OutOrStdout(), result, time.Now()), "writing results")
		},
	}

	cmd.Flags().StringVarP(&config.Url, "url", "u", "", "Target url")
	cmd.Flags().StringVarP(&config.Method, "method", "m", "GET", "Request method")
	cmd.Flags().IntVarP(&config.Connections, "connections", "c", 32, "Concurrent connections")
	cmd.Flags().DurationVarP(&config.Duration, "duration", "d", 15*time.Second, "How long to measure for")
	cmd.Flags().DurationVarP(&config.Warmup, "warmup", "w", 0, "How long to send requests before measuring")
	cmd.Flags().DurationVar(&config.Timeout, "timeout", 10*time.Second, "Per request timeout")
	cmd.Flags().StringToStringVarP(&config.Headers, "header", "H", nil, "Request header, name=value")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

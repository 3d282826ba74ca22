package cmd

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/crankbench/crank/internal/agent"
	"github.com/crankbench/crank/internal/agent/configuration"
	"github.com/crankbench/crank/internal/common/app"
	commonconfig "github.com/crankbench/crank/internal/common/config"
	"github.com/crankbench/crank/internal/common/logging"
)

const (
	CustomConfigLocation = "config"
	defaultConfigPath    = "./config/agent"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "crank-agent",
		SilenceUsage: true,
		Short:        "Runs benchmark jobs on this machine on behalf of a controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := app.CreateContextWithShutdown()
			defer cancel()
			logger.Infof("Starting agent on %s", config.Application.ListenAddress)
			return agent.StartUp(ctx, config, logger)
		},
	}

	cmd.Flags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	cmd.Flags().String("listen", "", "Address to listen on, overrides application.listenAddress")
	_ = viper.BindPFlag(CustomConfigLocation, cmd.Flags().Lookup(CustomConfigLocation))
	_ = viper.BindPFlag("application.listenAddress", cmd.Flags().Lookup("listen"))

	cmd.AddCommand(versionCmd())
	return cmd
}

func loadConfig() (configuration.AgentConfiguration, *log.Entry, error) {
	var config configuration.AgentConfiguration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)
	if err := commonconfig.LoadConfig(&config, defaultConfigPath, userSpecifiedConfigs); err != nil {
		return config, nil, err
	}

	logger, err := logging.ConfigureLogging(config.Logging)
	if err != nil {
		return config, nil, errors.WithMessage(err, "configuring logging")
	}

	if err := configuration.ValidateAgentConfiguration(config); err != nil {
		commonconfig.LogValidationErrors(logger, err)
		return config, nil, err
	}
	return config, logger, nil
}

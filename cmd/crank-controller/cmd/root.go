package cmd

import (
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/crankbench/crank/internal/common/app"
	commonconfig "github.com/crankbench/crank/internal/common/config"
	"github.com/crankbench/crank/internal/common/logging"
	"github.com/crankbench/crank/internal/controller"
	"github.com/crankbench/crank/internal/controller/configuration"
)

const (
	CustomConfigLocation = "config"
	defaultConfigPath    = "./config/controller"
	userConfigName       = ".crank.yaml"
)

// RootCmd is the root Cobra command that gets called from the main func.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "crank-controller",
		SilenceUsage: true,
		Short:        "crank-controller runs benchmark scenarios against crank agents.",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	_ = viper.BindPFlag(CustomConfigLocation, cmd.PersistentFlags().Lookup(CustomConfigLocation))

	cmd.AddCommand(
		runCmd(),
		versionCmd(),
	)
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Run a scenario and print its results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := app.CreateContextWithShutdown()
			defer cancel()

			a := controller.New(config, logger)
			a.Out = cmd.OutOrStdout()
			_, err = a.RunFile(ctx, args[0])
			if err != nil {
				logging.WithStacktrace(logger, err).Error("Scenario failed")
			}
			return err
		},
	}
	cmd.Flags().String("format", "", "Report format, json or yaml")
	cmd.Flags().StringP("output", "o", "", "File the report is written to")
	_ = viper.BindPFlag("results.format", cmd.Flags().Lookup("format"))
	_ = viper.BindPFlag("results.output", cmd.Flags().Lookup("output"))
	return cmd
}

func loadConfig() (configuration.ControllerConfiguration, *log.Entry, error) {
	var config configuration.ControllerConfiguration
	overrides, err := userConfigs()
	if err != nil {
		return config, nil, err
	}
	if err := commonconfig.LoadConfig(&config, defaultConfigPath, overrides); err != nil {
		return config, nil, err
	}

	logger, err := logging.ConfigureLogging(config.Logging)
	if err != nil {
		return config, nil, errors.WithMessage(err, "configuring logging")
	}
	if err := configuration.ValidateControllerConfiguration(config); err != nil {
		commonconfig.LogValidationErrors(logger, err)
		return config, nil, err
	}
	return config, logger, nil
}

// userConfigs returns ~/.crank.yaml, if present, followed by the files given on the command line.
func userConfigs() ([]string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return nil, errors.Wrap(err, "getting user home directory")
	}
	var configs []string
	path := filepath.Join(home, userConfigName)
	if _, err := os.Stat(path); err == nil {
		configs = append(configs, path)
	}
	return append(configs, viper.GetStringSlice(CustomConfigLocation)...), nil
}

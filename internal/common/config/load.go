package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "CRANK"

// LoadConfig reads config.yaml from defaultPath, merges each file in overrides on top, applies
// CRANK_ prefixed environment variables and unmarshals the result into config.
func LoadConfig(config interface{}, defaultPath string, overrides []string) error {
	return LoadConfigWith(viper.GetViper(), config, defaultPath, overrides)
}

// LoadConfigWith is LoadConfig on an explicit viper instance.
func LoadConfigWith(v *viper.Viper, config interface{}, defaultPath string, overrides []string) error {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "reading default config from %s", defaultPath)
	}

	for _, overrideConfig := range overrides {
		v.SetConfigFile(overrideConfig)
		if err := v.MergeInConfig(); err != nil {
			return errors.Wrapf(err, "merging config file %s", overrideConfig)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if err := v.Unmarshal(config, CustomHooks...); err != nil {
		return errors.Wrap(err, "decoding config")
	}
	return nil
}

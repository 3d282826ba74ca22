package config

import (
	"fmt"
	"reflect"

	"github.com/docker/go-units"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// ByteSize is a byte count that may be written in config files as e.g. "512MB" or "2GiB".
type ByteSize uint64

var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		ByteSizeDecodeHook(),
	)),
}

func ByteSizeDecodeHook() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if t != reflect.TypeOf(ByteSize(0)) {
			return data, nil
		}
		if f.Kind() != reflect.String {
			return data, nil
		}
		size, err := units.RAMInBytes(fmt.Sprintf("%v", data))
		if err != nil {
			return nil, err
		}
		if size < 0 {
			return nil, fmt.Errorf("byte size %v must not be negative", data)
		}
		return ByteSize(size), nil
	}
}

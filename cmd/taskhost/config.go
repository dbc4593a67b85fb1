package main

import (
	"time"

	"github.com/eddyengine/eddy/pkg/utils"
	"github.com/spf13/viper"
)

type HostConfig struct {
	// Address of the HTTP status endpoint.
	HttpListen string `mapstructure:"http_listen"`

	// Directory for blobs and staged cache files.
	WorkDir string `mapstructure:"work_dir"`

	TaskCancellationInterval time.Duration `mapstructure:"task_cancellation_interval"`
	TaskCancellationTimeout  time.Duration `mapstructure:"task_cancellation_timeout"`
	HaltOnOutOfMemory        bool          `mapstructure:"halt_on_out_of_memory"`
}

func LoadConfig() (*HostConfig, error) {
	config := &HostConfig{}

	err := utils.UnmarshalConfig(*viper.GetViper(), config)
	if err != nil {
		return nil, err
	}

	return config, nil
}

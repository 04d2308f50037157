package main

import (
	"github.com/spf13/viper"
	"github.com/srand/buildmaster/pkg/utils"
	"github.com/srand/buildmaster/pkg/worker"
)

func LoadConfig() (*worker.WorkerConfig, error) {
	config := &worker.WorkerConfig{}

	err := utils.UnmarshalConfig(viper.GetViper(), config)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

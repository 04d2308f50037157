package main

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/srand/buildmaster/pkg/log"
	"github.com/srand/buildmaster/pkg/utils"
)

type LogStashConfig struct {
	// Maximum size of the logstash.
	// When the size is exceeded, oldest logs are removed.
	// Examples: 512MiB, 10G.
	MaxSize_ string `mapstructure:"size"`
	// Storage type: "memory" or "disk"
	StorageType string `mapstructure:"storage"`
	// Path to store logstash files (for disk storage)
	Path string `mapstructure:"path"`
}

func (c *LogStashConfig) MaxSize() int64 {
	size, _ := utils.ParseSize(c.MaxSize_)
	return size
}

func (c *LogStashConfig) Validate() error {
	if c.StorageType == "" {
		c.StorageType = "memory"
	}

	switch c.StorageType {
	case "memory":
	case "disk":
		if c.Path == "" {
			return fmt.Errorf("%w: no path configured for logstash disk storage", utils.ErrConfig)
		}
	default:
		return fmt.Errorf("%w: invalid logstash storage type configured: %s", utils.ErrConfig, c.StorageType)
	}

	if c.MaxSize_ != "" {
		if _, err := utils.ParseSize(c.MaxSize_); err != nil {
			return fmt.Errorf("%w: logstash size: %v", utils.ErrConfig, err)
		}
	}
	return nil
}

func (c *LogStashConfig) CreateFs() (afero.Fs, error) {
	if c.StorageType != "disk" {
		log.Info("Logstash stored in memory")
		return afero.NewMemMapFs(), nil
	}

	os := afero.NewOsFs()
	if err := os.MkdirAll(c.Path, 0777); err != nil {
		return nil, err
	}

	log.Info("Logstash stored in", c.Path)
	return afero.NewBasePathFs(os, c.Path), nil
}

func (c *LogStashConfig) LogValues() {
	log.Infof("  Logstash configuration:")
	log.Infof("    storage = %s", c.StorageType)
	log.Infof("    size = %s", utils.HumanByteSize(c.MaxSize()))
	if c.StorageType == "disk" {
		log.Infof("    path = %s", c.Path)
	}
}

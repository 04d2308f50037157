package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/srand/buildmaster/pkg/utils"
)

type ControlConfig struct {
	Grpc utils.GRPCOptions `mapstructure:"grpc"`

	// gRPC URI of the build master.
	MasterUri string `mapstructure:"master_uri"`
	// HTTP URI of the build master, used to read logs.
	MasterHttpUri string `mapstructure:"master_http_uri"`
}

func ParseConfig() (*ControlConfig, error) {
	config := &ControlConfig{}
	if err := utils.UnmarshalConfig(viper.GetViper(), config); err != nil {
		return nil, err
	}
	return config, nil
}

var rootCmd = &cobra.Command{
	Use:   "buildmasterctl",
	Short: "Build master control command",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		viper.SetConfigName("buildmasterctl.yaml")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/buildmaster/")
		viper.AddConfigPath("$HOME/.config/buildmaster")
		viper.AddConfigPath(".")
		viper.ReadInConfig()

		viper.SetEnvPrefix("buildmaster")
		viper.AutomaticEnv()

		config, err := ParseConfig()
		if err != nil {
			log.Fatal(err)
		}
		configData = *config
	},
}

var configData = ControlConfig{}

func main() {
	rootCmd.PersistentFlags().StringP("master-uri", "m", "tcp://buildmaster:9090", "Build master gRPC URI")
	rootCmd.PersistentFlags().String("master-http-uri", "http://buildmaster:8080", "Build master HTTP URI")
	viper.BindPFlag("master_uri", rootCmd.PersistentFlags().Lookup("master-uri"))
	viper.BindPFlag("master_http_uri", rootCmd.PersistentFlags().Lookup("master-http-uri"))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

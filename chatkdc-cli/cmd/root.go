/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/johanix/chatkdc/chatkdc"
	cli "github.com/johanix/chatkdc/chatkdc/cli"
)

var cfgFile, cfgFileUsed string

var rootCmd = &cobra.Command{
	Use:   "chatkdc-cli",
	Short: "chatkdc-cli is a tool used to interact with the chatkdcd key distribution center via API",
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	cobra.OnInitialize(initConfig, initApi)

	rootCmd.AddCommand(cli.PingCmd, cli.StopCmd, cli.VersionCmd, cli.ConfigCmd,
		cli.ChannelCmd, cli.KeysCmd, cli.RequestsCmd, cli.ChatCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		fmt.Sprintf("config file (default is %s)", chatkdc.DefaultCliCfgFile))
	rootCmd.PersistentFlags().StringVarP(&chatkdc.Globals.ChannelID, "channel", "c", "", "channel id")
	rootCmd.PersistentFlags().StringVarP(&chatkdc.Globals.UserID, "user", "u", "", "user id")

	rootCmd.PersistentFlags().BoolVarP(&chatkdc.Globals.Debug, "debug", "d",
		false, "debug output")
	rootCmd.PersistentFlags().BoolVarP(&chatkdc.Globals.Verbose, "verbose", "v",
		false, "verbose output")
}

type CliConf struct {
	Api ApiDetails `mapstructure:"api"`
}

type ApiDetails struct {
	BaseURL    string `validate:"required,url" mapstructure:"baseurl"`
	ApiKey     string `validate:"required" mapstructure:"apikey"`
	AuthMethod string `mapstructure:"authmethod"`
	RootCA     string `mapstructure:"rootca"`
	UserHeader string `mapstructure:"user_header"`
}

var cconf CliConf

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	chatkdc.SetupCliLogging()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigFile(chatkdc.DefaultCliCfgFile)
	}

	viper.SetEnvPrefix("CHATKDC")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if chatkdc.Globals.Verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
		cfgFileUsed = viper.ConfigFileUsed()
	} else {
		log.Fatalf("Could not load config %s: Error: %v", viper.ConfigFileUsed(), err)
	}

	if err := viper.Unmarshal(&cconf); err != nil {
		log.Fatalf("Error from viper.Unmarshal(cfg): %v", err)
	}
	if err := validator.New().Struct(&cconf.Api); err != nil {
		log.Fatalf("Config %s, section \"api\": missing required attributes:\n%v", cfgFileUsed, err)
	}
	if err := chatkdc.Globals.Validate(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func initApi() {
	authmethod := cconf.Api.AuthMethod
	if authmethod == "" {
		authmethod = "X-API-Key"
	}
	api := chatkdc.NewClient(chatkdc.Globals.App.Name, cconf.Api.BaseURL, cconf.Api.ApiKey, authmethod, cconf.Api.RootCA)
	if api == nil {
		log.Fatalf("initApi: Failed to setup API client. Exiting.")
	}
	api.UserHeader = cconf.Api.UserHeader
	chatkdc.Globals.Api = api
	if chatkdc.Globals.Debug {
		fmt.Printf("API client set up (baseurl: %q).\n", api.BaseUrl)
	}
}

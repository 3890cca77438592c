package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/frames/usvfs"
	"github.com/frames/usvfs/data"
)

var (
	instanceName string
	overlayPath  string
	debugMode    bool
	logLevel     string
	configFile   string
)

var rootCmd = &cobra.Command{
	Use:   "usvfsctl",
	Short: "Control a user-space virtual filesystem instance",
	Long: `usvfsctl seeds and inspects usvfs instances: it layers source
directories over virtual locations, launches processes inside the
virtual view, and queries the shared state other participants see.

An instance lives as long as at least one process is attached; most
commands attach, act, and detach again.`,
	Version: "0.1.0",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&instanceName, "instance", "i", "", "instance name (overrides config)")
	rootCmd.PersistentFlags().StringVar(&overlayPath, "overlay", "", "writable overlay root")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warning, error)")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default usvfsctl.yaml)")

	rootCmd.AddCommand(
		createCmd,
		linkCmd,
		lsCmd,
		treeCmd,
		runCmd,
		psCmd,
		blacklistCmd,
	)
}

// loadConfig merges the config file, environment, and flags into the
// attach seed.
func loadConfig() error {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("usvfsctl")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.usvfs")
	}

	viper.SetDefault("log_level", "info")
	viper.SetEnvPrefix("USVFSCTL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("reading config: %w", err)
		}
	}

	if instanceName == "" {
		instanceName = viper.GetString("instance")
	}
	if overlayPath == "" {
		overlayPath = viper.GetString("overlay")
	}
	if !debugMode {
		debugMode = viper.GetBool("debug")
	}
	if !rootCmd.PersistentFlags().Changed("log-level") {
		logLevel = viper.GetString("log_level")
	}

	if instanceName == "" {
		return fmt.Errorf("no instance name given (flag --instance or config key 'instance')")
	}
	return nil
}

func seedFromConfig() data.Parameters {
	return data.Parameters{
		InstanceName: instanceName,
		DebugMode:    debugMode,
		LogLevel:     data.ParseLogLevel(logLevel),
		OverlayPath:  overlayPath,
	}
}

// attachInstance joins (or creates) the configured instance.
func attachInstance() (*usvfs.HookContext, error) {
	if err := loadConfig(); err != nil {
		return nil, err
	}
	return usvfs.Attach(seedFromConfig())
}

// applyMappings installs the config file's layering, blacklist, and
// forced-library declarations.
func applyMappings(ctx *usvfs.HookContext) error {
	guard, err := ctx.WriteAccess()
	if err != nil {
		return err
	}
	defer guard.Release()

	type link struct {
		Virtual string   `mapstructure:"virtual"`
		Sources []string `mapstructure:"sources"`
		Real    string   `mapstructure:"real"`
	}
	var links []link
	if err := viper.UnmarshalKey("links", &links); err != nil {
		return fmt.Errorf("config key 'links': %w", err)
	}

	for _, l := range links {
		switch {
		case len(l.Sources) > 0:
			if _, err := guard.AddDirectory(l.Virtual, l.Sources, 0); err != nil {
				return fmt.Errorf("link %s: %w", l.Virtual, err)
			}
		case l.Real != "":
			if _, err := guard.AddFile(l.Virtual, l.Real, 0); err != nil {
				return fmt.Errorf("link %s: %w", l.Virtual, err)
			}
		}
	}

	for _, item := range viper.GetStringSlice("blacklist") {
		if err := guard.BlacklistExecutable(item); err != nil {
			return err
		}
	}

	type forced struct {
		Process string `mapstructure:"process"`
		Library string `mapstructure:"library"`
	}
	var forcedLibs []forced
	if err := viper.UnmarshalKey("force_load", &forcedLibs); err != nil {
		return fmt.Errorf("config key 'force_load': %w", err)
	}
	for _, f := range forcedLibs {
		if err := guard.ForceLoadLibrary(f.Process, f.Library); err != nil {
			return err
		}
	}

	return nil
}

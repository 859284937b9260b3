package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/platelab/platevision/cmd/capture"
	"github.com/platelab/platevision/cmd/recompute"
	"github.com/platelab/platevision/cmd/samples"
	"github.com/platelab/platevision/cmd/serve"
	"github.com/platelab/platevision/cmd/submit"
	"github.com/platelab/platevision/internal/runtime"
)

// RootCommand creates and returns the root command
func RootCommand(rt *runtime.Context) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "platevision",
		Short:         "PlateVision plate image inference CLI",
		Version:       rt.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Set up the global flags for the root command.
	if err := setupFlags(rootCmd, rt); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(
		serve.Command(rt),
		submit.Command(rt),
		capture.Command(rt),
		samples.Command(rt),
		recompute.Command(rt),
	)

	// Settings are loaded once flags are parsed so bound flags take precedence.
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return rt.Init()
	}

	return rootCmd
}

// setupFlags defines the global flags for the root command.
func setupFlags(rootCmd *cobra.Command, rt *runtime.Context) error {
	rootCmd.PersistentFlags().StringVarP(&rt.ConfigFile, "config", "c", "", "Path to config.yaml")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")
	rootCmd.PersistentFlags().String("server", "", "URL of the prediction API used by submit and capture")

	bindings := map[string]string{
		"debug":            "debug",
		"client.serverurl": "server",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", flag, err)
		}
	}
	return nil
}

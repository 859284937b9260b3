package capture

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/platelab/platevision/cmd/submit"
	"github.com/platelab/platevision/internal/capture"
	"github.com/platelab/platevision/internal/httpclient"
	"github.com/platelab/platevision/internal/logger"
	"github.com/platelab/platevision/internal/runtime"
)

// Command creates the command that captures a plate image and submits it.
func Command(rt *runtime.Context) *cobra.Command {
	var opts submit.Options

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture a plate image from the camera and submit it",
		Long:  "Trigger the capture device, save the image and submit it to the prediction API.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			settings := rt.Settings.Capture
			log := rt.Logger("capture")

			hc := httpclient.New(&httpclient.Config{DefaultTimeout: settings.Timeout})
			defer hc.Close()
			device, err := capture.NewDeviceSource(settings.DeviceURL, hc)
			if err != nil {
				return err
			}

			guard := capture.NewGuard(capture.NewSession(), device, log)
			defer guard.Drain()

			attempt := guard.Capture(ctx, capture.SaveTo(settings.OutputDir))
			file, err := guard.Wait(ctx)
			if err != nil {
				return err
			}
			log.Info("image captured",
				logger.String("attempt_id", attempt.ID().String()),
				logger.String("path", file.Path))

			s, err := submit.NewSubmitter(rt)
			if err != nil {
				return err
			}
			defer s.Close(ctx)

			report, err := s.Submit(ctx, filepath.Base(file.Path), file.Data, opts)
			if report != nil {
				if printErr := submit.Print(cmd.OutOrStdout(), report); printErr != nil {
					return printErr
				}
			}
			return err
		},
	}

	if err := setupFlags(cmd, &opts); err != nil {
		panic(err)
	}

	return cmd
}

// setupFlags configures flags specific to the capture command.
func setupFlags(cmd *cobra.Command, opts *submit.Options) error {
	if err := submit.SetupFlags(cmd, opts); err != nil {
		return err
	}

	cmd.Flags().String("device", "", "Base URL of the capture device")
	cmd.Flags().String("output", "", "Directory for captured images")
	bindings := map[string]string{
		"capture.deviceurl": "device",
		"capture.outputdir": "output",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", flag, err)
		}
	}
	return nil
}

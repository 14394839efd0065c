package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ayusman/faceenroll/internal/app"
	"github.com/ayusman/faceenroll/internal/capture"
	"github.com/ayusman/faceenroll/internal/store"
)

var (
	liveName     string
	liveSurname  string
	liveDevice   int
	liveFPS      int
	liveMirror   bool
	liveStill    float64
	liveSettle   int
	liveMaxFrame int
)

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Enroll a person in front of a local camera",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		d, err := buildDeps(ctx, false)
		if err != nil {
			return err
		}
		defer d.Close()

		camCfg := capture.DefaultCameraConfig()
		camCfg.DeviceID = liveDevice
		camCfg.FPS = liveFPS
		camCfg.Mirror = liveMirror

		a, err := app.New(app.Config{
			Camera:         capture.NewCamera(camCfg),
			Enroller:       d.manager,
			Identity:       store.Identity{FirstName: liveName, LastName: liveSurname},
			StillThreshold: liveStill,
			SettleFrames:   liveSettle,
			MaxFrames:      liveMaxFrame,
			Progress:       os.Stderr,
			Log:            log,
		})
		if err != nil {
			return err
		}

		res, err := a.Run(ctx)
		if err != nil {
			return err
		}

		verb := "updated"
		if res.Created {
			verb = "created"
		}
		fmt.Printf("User %s successfully: %s\n", verb, res.Record.ID)
		return nil
	},
}

func init() {
	liveCmd.Flags().StringVar(&liveName, "name", "", "first name (required)")
	liveCmd.Flags().StringVar(&liveSurname, "surname", "", "last name (required)")
	liveCmd.Flags().IntVar(&liveDevice, "device", 0, "camera device id")
	liveCmd.Flags().IntVar(&liveFPS, "fps", capture.DefaultFPS, "capture frame rate")
	liveCmd.Flags().BoolVar(&liveMirror, "mirror", true, "flip frames horizontally")
	liveCmd.Flags().Float64Var(&liveStill, "still-threshold", app.DefaultStillThreshold, "changed pixel percentage that still counts as holding still")
	liveCmd.Flags().IntVar(&liveSettle, "settle", capture.DefaultSettleFrames, "calm frames required before a capture")
	liveCmd.Flags().IntVar(&liveMaxFrame, "max-frames", app.DefaultMaxFrames, "give up after this many frames")
	liveCmd.MarkFlagRequired("name")
	liveCmd.MarkFlagRequired("surname")
}

package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ayusman/faceenroll/internal/server"
	"github.com/ayusman/faceenroll/internal/server/api"
)

var (
	serveAddr string
	serveMock bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the enrollment HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if serveAddr != "" {
			env.Addr = serveAddr
		}

		d, err := buildDeps(ctx, serveMock)
		if err != nil {
			return err
		}
		defer d.Close()

		limiter := api.NewSessionLimiter(d.tuning.GetFrameRate(), d.tuning.GetFrameBurst(), d.tuning.GetSessionTTL())
		go d.sweep(ctx, time.Minute, limiter.Sweep)

		staticDir := env.StaticDir
		if staticDir == "" {
			staticDir = findWebDir()
		}
		if staticDir != "" {
			log.WithField("dir", staticDir).Info("Serving static files")
		}

		srv := server.New(server.Config{
			StaticDir:    staticDir,
			Frames:       d.manager,
			Finalizer:    d.manager,
			Users:        d.users,
			Limiter:      limiter,
			FrameTimeout: d.tuning.GetFrameTimeout(),
			Log:          log,
		})
		return srv.Serve(ctx, env.Addr)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default: $FACEENROLL_ADDR or :8000)")
	serveCmd.Flags().BoolVar(&serveMock, "mock", false, "use in-process fakes instead of the Python backends")
}

// findWebDir searches for the web directory in common locations.
// It checks: "web", "../web", "../../web", and ~/.faceenroll/web.
// Returns the first existing directory or empty string if none found.
func findWebDir() string {
	relativePaths := []string{"web", "../web", "../../web"}
	for _, p := range relativePaths {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			absPath, err := filepath.Abs(p)
			if err == nil {
				return absPath
			}
			return p
		}
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	homeWebDir := filepath.Join(homeDir, ".faceenroll", "web")
	if info, err := os.Stat(homeWebDir); err == nil && info.IsDir() {
		return homeWebDir
	}

	return ""
}

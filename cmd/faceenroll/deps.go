package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ayusman/faceenroll/internal/config"
	"github.com/ayusman/faceenroll/internal/detector"
	"github.com/ayusman/faceenroll/internal/encoder"
	"github.com/ayusman/faceenroll/internal/enroll"
	"github.com/ayusman/faceenroll/internal/gate"
	"github.com/ayusman/faceenroll/internal/imagestore"
	"github.com/ayusman/faceenroll/internal/pgstore"
	"github.com/ayusman/faceenroll/internal/pose"
	"github.com/ayusman/faceenroll/internal/quality"
	"github.com/ayusman/faceenroll/internal/store"
)

const encodingScript = "encoding_worker.py"

var _ gate.EnrollmentStore = (*pgstore.Store)(nil)

// deps are the components shared by serve and live.
type deps struct {
	tuning   *config.TuningConfig
	users    gate.EnrollmentStore
	sessions enroll.SessionStore
	memory   *enroll.MemoryStore
	images   imagestore.Store
	manager  *enroll.Manager

	closers []func()
}

// buildDeps wires storage and the gate from env. mock swaps the Python
// backends for in-process fakes.
func buildDeps(ctx context.Context, mock bool) (*deps, error) {
	d := &deps{}
	if err := d.build(ctx, mock); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *deps) build(ctx context.Context, mock bool) error {
	tuning, err := env.Tuning()
	if err != nil {
		return err
	}
	d.tuning = tuning

	if err := d.openUsers(ctx); err != nil {
		return err
	}
	if err := d.openSessions(ctx); err != nil {
		return err
	}
	if err := d.openImages(); err != nil {
		return err
	}

	g, err := d.openGate(mock)
	if err != nil {
		return err
	}

	d.manager = enroll.NewManager(g, d.sessions, d.images, d.users, enroll.Config{
		InitialBound: tuning.GetSidewaysBound(),
	}, log)
	return nil
}

func (d *deps) openUsers(ctx context.Context) error {
	if env.PostgresURL != "" {
		pg, err := pgstore.New(ctx, env.PostgresURL)
		if err != nil {
			return err
		}
		d.closers = append(d.closers, pg.Close)
		d.users = pg
		log.Info("Using PostgreSQL user store")
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(env.DBPath), 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	st, err := store.New(env.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	d.closers = append(d.closers, func() { st.Close() })
	d.users = st.Users()
	log.WithField("path", env.DBPath).Info("Using SQLite user store")
	return nil
}

func (d *deps) openSessions(ctx context.Context) error {
	ttl := d.tuning.GetSessionTTL()

	if env.RedisAddr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{env.RedisAddr},
			Password: env.RedisPassword,
			DB:       env.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return fmt.Errorf("connect to redis: %w", err)
		}
		d.closers = append(d.closers, func() { client.Close() })
		d.sessions = enroll.NewRedisStore(client, ttl)
		log.WithField("addr", env.RedisAddr).Info("Using Redis session store")
		return nil
	}

	d.memory = enroll.NewMemoryStore(ttl)
	d.sessions = d.memory
	return nil
}

func (d *deps) openImages() error {
	if env.S3.Bucket != "" {
		s3, err := imagestore.NewS3Store(env.S3)
		if err != nil {
			return err
		}
		d.images = s3
		log.WithField("bucket", env.S3.Bucket).Info("Storing enrollment images in S3")
		return nil
	}

	fs, err := imagestore.NewFileStore(env.ImageDir)
	if err != nil {
		return err
	}
	d.images = fs
	log.WithField("dir", fs.Root()).Info("Storing enrollment images on disk")
	return nil
}

func (d *deps) openGate(mock bool) (*gate.Gate, error) {
	est := pose.NewEstimator(d.tuning.GetDepthScale())
	q := quality.NewGate(d.tuning.Quality())

	if mock {
		det := detector.NewMockDetector()
		det.SetFaces([]detector.FaceLandmarks{detector.FrontalFaceLandmarks()})
		log.Warn("Using mock landmark detector and encoder")
		return gate.New(det, est, q, encoder.NewMockExtractor(encoder.Embedding(0.5)), log), nil
	}

	det, err := detector.NewMediaPipeDetector(d.tuning.Detector())
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, func() { det.Close() })

	script := detector.FindScript(encodingScript)
	if script == "" {
		return nil, fmt.Errorf("%s not found", encodingScript)
	}
	python := env.Python
	if python == "" {
		python = detector.FindVenvPython()
	}

	pool, err := encoder.StartPythonPool(d.tuning.GetEncoderWorkers(), encoder.WorkerConfig{
		Python: python,
		Script: script,
	})
	if err != nil {
		return nil, fmt.Errorf("start encoding workers: %w", err)
	}
	d.closers = append(d.closers, func() { pool.Close() })
	log.WithField("workers", pool.Size()).Info("Encoding workers started")

	return gate.New(det, est, q, pool, log), nil
}

// sweep drops expired in-memory sessions until ctx is done.
func (d *deps) sweep(ctx context.Context, every time.Duration, extra ...func() int) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.memory != nil {
				if n := d.memory.Sweep(); n > 0 {
					log.WithField("count", n).Debug("Expired sessions dropped")
				}
			}
			for _, f := range extra {
				f()
			}
		}
	}
}

// Close releases everything in reverse order of opening.
func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

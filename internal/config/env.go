package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/ayusman/faceenroll/internal/imagestore"
	"github.com/ayusman/faceenroll/internal/logging"
)

// Env holds deployment settings read from the environment.
type Env struct {
	Addr        string
	DBPath      string
	PostgresURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ImageDir string
	S3       imagestore.S3Config

	TuningPath string
	StaticDir  string
	Python     string

	Log logging.Config
}

// LoadDotEnv loads the given .env files, or ./.env when none are named.
// Missing files are ignored; variables already set are kept.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// FromEnv reads FACEENROLL_* variables, falling back to defaults rooted at
// the user's home directory.
func FromEnv() Env {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".faceenroll")

	return Env{
		Addr:        getenv("FACEENROLL_ADDR", ":8000"),
		DBPath:      getenv("FACEENROLL_DB", filepath.Join(base, "faceenroll.db")),
		PostgresURL: os.Getenv("FACEENROLL_POSTGRES_URL"),

		RedisAddr:     os.Getenv("FACEENROLL_REDIS_ADDR"),
		RedisPassword: os.Getenv("FACEENROLL_REDIS_PASSWORD"),
		RedisDB:       getenvInt("FACEENROLL_REDIS_DB", 0),

		ImageDir: getenv("FACEENROLL_IMAGE_DIR", filepath.Join(base, "images")),
		S3: imagestore.S3Config{
			Bucket:          os.Getenv("FACEENROLL_S3_BUCKET"),
			Region:          getenv("FACEENROLL_S3_REGION", os.Getenv("AWS_REGION")),
			Prefix:          os.Getenv("FACEENROLL_S3_PREFIX"),
			Endpoint:        os.Getenv("FACEENROLL_S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			PathStyle:       getenvBool("FACEENROLL_S3_PATH_STYLE", false),
		},

		TuningPath: os.Getenv("FACEENROLL_TUNING"),
		StaticDir:  os.Getenv("FACEENROLL_STATIC_DIR"),
		Python:     os.Getenv("FACEENROLL_PYTHON"),

		Log: logging.Config{
			Level:    getenv("FACEENROLL_LOG_LEVEL", "info"),
			File:     os.Getenv("FACEENROLL_LOG_FILE"),
			NoColors: getenvBool("FACEENROLL_LOG_NO_COLORS", false),
		},
	}
}

// Tuning loads the tuning file named by TuningPath, or the defaults when it
// is empty.
func (e Env) Tuning() (*TuningConfig, error) {
	if e.TuningPath == "" {
		return DefaultTuningConfig(), nil
	}
	return LoadTuningConfig(e.TuningPath)
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func getenvBool(key string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

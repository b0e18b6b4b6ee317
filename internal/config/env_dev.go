//go:build dev

package config

import (
	"errors"
	"os"

	"github.com/joho/godotenv"
)

// loadDotEnv reads EVMINGEST_ENV_FILE, or .env by default. Variables already set in the environment win.
func loadDotEnv() error {
	path := os.Getenv("EVMINGEST_ENV_FILE")
	if path == "" {
		path = ".env"
	}
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

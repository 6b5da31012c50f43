package main

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// loadDotEnv loads the nearest .env walking up from the working directory,
// or the file named by MODEM_HEALTH_ENV. Variables already set win.
func loadDotEnv() {
	path := os.Getenv("MODEM_HEALTH_ENV")
	if path == "" {
		var err error
		path, err = findDotEnv()
		if err != nil {
			log.Debug().Err(err).Msg("search .env failed")
			return
		}
	}
	if path == "" {
		return
	}
	if err := godotenv.Load(path); err != nil {
		log.Warn().Err(err).Str("dotenv", path).Msg("load .env failed")
		return
	}
	log.Debug().Str("dotenv", path).Msg("loaded .env")
}

func findDotEnv() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(wd, ".env")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(wd)
		if parent == wd {
			return "", nil
		}
		wd = parent
	}
}

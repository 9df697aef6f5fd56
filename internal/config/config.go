// Package config collects runtime settings from the environment.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port      string
	DBURL     string
	JWTSecret string
	JWTIssuer string
	MachineID int64
	ProcessID int64
}

// Load reads .env when present, then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("failed to load .env file: %+v", err)
	}

	cfg := Config{
		Port:      os.Getenv("PORT"),
		DBURL:     os.Getenv("DB_URL"),
		JWTSecret: os.Getenv("JWT_SECRET"),
		JWTIssuer: os.Getenv("JWT_ISS"),
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.JWTIssuer == "" {
		cfg.JWTIssuer = "parley"
	}
	if cfg.DBURL == "" {
		return Config{}, fmt.Errorf("DB_URL environment variable is not set")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET environment variable is not set")
	}

	var err error
	cfg.MachineID, err = envInt("MACHINE_ID")
	if err != nil {
		return Config{}, err
	}
	cfg.ProcessID, err = envInt("PROCESS_ID")
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func envInt(key string) (int64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return v, nil
}

package main

import (
	"flag"
	"os"
)

type Flags struct {
	ConfigPath string
	DBPath     string
}

func LoadFlags() Flags {
	f := Flags{}

	flag.StringVar(&f.ConfigPath, "config", envOrDefault("AGENTROOM_CONFIG", "config.yaml"), "Persona/backend YAML config path")
	flag.StringVar(&f.DBPath, "db", envOrDefault("AGENTROOM_DB", "agentroom.db"), "SQLite database path")
	flag.Parse()

	return f
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

package params

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

type API struct {
	Addr string
	// AllowedOrigins is the CORS allowlist for browser clients.
	AllowedOrigins []string
}

type Store struct {
	// Path is the pebble database directory holding accounts, orders,
	// the event log and committed request ids.
	Path string
}

type Log struct {
	File string
}

type Config struct {
	API   API
	Store Store
	Log   Log
}

func Default() Config {
	return Config{
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Store: Store{Path: "data/exchange.db"},
		Log:   Log{File: "data/exchanged.log"},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if addr := os.Getenv("API_ADDR"); addr != "" {
		cfg.API.Addr = addr
	}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.API.AllowedOrigins = strings.Split(origins, ",")
	}
	if path := os.Getenv("DB_PATH"); path != "" {
		cfg.Store.Path = path
	}
	if file := os.Getenv("LOG_FILE"); file != "" {
		cfg.Log.File = file
	}

	return cfg
}

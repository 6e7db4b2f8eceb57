package statestore

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// OpenFromEnv loads a .env file (if present; a missing file is not an
// error, matching godotenv's typical local-dev usage) and dials a
// SQLStore from ORCHESTRA_STATESTORE_DRIVER / ORCHESTRA_STATESTORE_DSN,
// the same "env var drives the connection string" pattern the teacher
// uses for its database provider config (config.DatabaseConfig),
// generalized here to the core's one backing store.
func OpenFromEnv(ctx context.Context, envFile string) (*SQLStore, error) {
	if envFile != "" {
		_ = godotenv.Load(envFile)
	} else {
		_ = godotenv.Load()
	}

	driver := os.Getenv("ORCHESTRA_STATESTORE_DRIVER")
	dsn := os.Getenv("ORCHESTRA_STATESTORE_DSN")
	if driver == "" {
		driver = "sqlite3"
	}
	if dsn == "" {
		return nil, fmt.Errorf("statestore: ORCHESTRA_STATESTORE_DSN is required")
	}
	return Open(ctx, driver, dsn)
}

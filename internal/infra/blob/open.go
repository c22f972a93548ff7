// Package blob opens the configured report artifact store.
package blob

import (
	"context"
	"fmt"

	"obddash/internal/infra/blob/fs"
	"obddash/internal/infra/blob/memory"
	"obddash/internal/infra/blob/objects"
	"obddash/internal/infra/blob/s3"
)

// Store is the driver-independent blob contract.
type Store = objects.Store

// Config selects and configures a driver.
type Config struct {
	Driver  string
	Root    string
	BaseURL string
	S3      s3.Config
}

// Open returns the store named by cfg.Driver; empty means fs.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch objects.Driver(cfg.Driver) {
	case "", objects.DriverFilesystem:
		return fs.New(cfg.Root, cfg.BaseURL)
	case objects.DriverMemory:
		return memory.New(), nil
	case objects.DriverS3:
		return s3.New(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}

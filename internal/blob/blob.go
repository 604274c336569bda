// Package blob is the entry point to object storage. Callers depend on the
// Store interface; only this package reaches into the infra drivers.
package blob

import (
	"context"
	"fmt"

	"taxonmap/internal/blob/core"
	"taxonmap/internal/infra/blob/fs"
	"taxonmap/internal/infra/blob/memory"
	"taxonmap/internal/infra/blob/s3"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
	// S3Config configures the S3 driver.
	S3Config = s3.Config
)

// Supported drivers.
const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

// Sentinel errors shared by every driver.
var (
	ErrNotFound = core.ErrNotFound
	ErrExists   = core.ErrExists
)

// Config selects and configures a driver.
type Config struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// Open constructs the store cfg names. An empty driver means fs.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverFilesystem, "":
		return fs.New(cfg.FSRoot)
	case DriverS3:
		return s3.New(ctx, cfg.S3)
	case DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", cfg.Driver)
	}
}

// NewMemory returns an in-memory store.
func NewMemory() Store { return memory.New() }

// NewMockS3 returns an S3 store backed by an in-memory fake transport, for
// tests outside the infra tree.
func NewMockS3(ctx context.Context) (Store, error) {
	store, _, err := s3.NewMock(ctx)
	if err != nil {
		return nil, err
	}
	return store, nil
}

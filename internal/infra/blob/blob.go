// Package blob re-exports the archive abstractions and selects a backend
// from configuration.
package blob

import (
	"context"
	"fmt"

	"latticecore/internal/infra/blob/core"
	fsstore "latticecore/internal/infra/blob/fs"
	memorystore "latticecore/internal/infra/blob/memory"
	s3store "latticecore/internal/infra/blob/s3"
)

type (
	// Driver identifies an archive backend driver.
	Driver = core.Driver
	// PutOptions configures an archive write.
	PutOptions = core.PutOptions
	// PresignOptions configures URL pre-signing.
	PresignOptions = core.PresignOptions
	// Info describes stored object metadata.
	Info = core.Info
	// Store is the interface for archive backends.
	Store = core.Store
)

const (
	// DriverFilesystem is the local filesystem driver.
	DriverFilesystem = core.DriverFilesystem
	// DriverS3 is the S3-compatible driver.
	DriverS3 = core.DriverS3
	// DriverMemory is the in-memory test driver.
	DriverMemory = core.DriverMemory
)

// ErrUnsupported indicates an operation isn't supported by a driver.
var ErrUnsupported = core.ErrUnsupported

// Config selects and parameterizes an archive backend.
type Config struct {
	Driver Driver         `yaml:"driver"`
	Root   string         `yaml:"root"` // filesystem driver only
	S3     s3store.Config `yaml:"s3"`
}

// Open constructs the archive store described by cfg. An empty driver
// defaults to the filesystem backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return fsstore.New(cfg.Root)
	case DriverS3:
		return s3store.New(ctx, cfg.S3)
	case DriverMemory:
		return memorystore.New(), nil
	default:
		return nil, fmt.Errorf("unknown archive driver %s", driver)
	}
}

// NewMemory returns an in-memory archive store suitable for tests.
func NewMemory() Store { return memorystore.New() }

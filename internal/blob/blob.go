// Package blob re-exports the blob abstractions and selects a backend.
// Packages outside the blob tree depend on blob.Store rather than on the
// infra implementations.
package blob

import (
	"context"
	"fmt"
	"os"

	"traction/internal/blob/core"
	"traction/internal/infra/blob/fs"
	memorystore "traction/internal/infra/blob/memory"
	infraS3 "traction/internal/infra/blob/s3"
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
	// S3Config configures the S3 backend.
	S3Config = infraS3.Config
)

// Supported drivers.
const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = core.ErrNotFound
	// ErrExists is returned by Put when the key is already taken.
	ErrExists = core.ErrExists
)

// Open selects a Store implementation using environment variables.
//
//	TRACTION_BLOB_DRIVER: fs|s3|memory (default fs)
//	TRACTION_BLOB_FS_ROOT: directory root when driver=fs (default ./blobdata)
//	TRACTION_BLOB_S3_*: see OpenS3FromEnv
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv("TRACTION_BLOB_DRIVER")
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		return NewFilesystem(os.Getenv("TRACTION_BLOB_FS_ROOT"))
	case DriverS3:
		return OpenS3FromEnv(ctx)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}

// NewMemory returns an in-memory Store suitable for tests.
func NewMemory() Store { return memorystore.New() }

// NewFilesystem constructs a filesystem-backed Store rooted at root.
func NewFilesystem(root string) (Store, error) { return fs.New(root) }

// NewS3 constructs an S3-backed Store.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) { return infraS3.New(ctx, cfg) }

// OpenS3FromEnv constructs an S3-backed Store from TRACTION_BLOB_S3_BUCKET,
// TRACTION_BLOB_S3_REGION, TRACTION_BLOB_S3_ENDPOINT,
// TRACTION_BLOB_S3_ACCESS_KEY_ID, TRACTION_BLOB_S3_SECRET_ACCESS_KEY and
// TRACTION_BLOB_S3_PATH_STYLE.
func OpenS3FromEnv(ctx context.Context) (Store, error) {
	cfg := S3Config{
		Bucket:          os.Getenv("TRACTION_BLOB_S3_BUCKET"),
		Region:          os.Getenv("TRACTION_BLOB_S3_REGION"),
		Endpoint:        os.Getenv("TRACTION_BLOB_S3_ENDPOINT"),
		AccessKeyID:     os.Getenv("TRACTION_BLOB_S3_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("TRACTION_BLOB_S3_SECRET_ACCESS_KEY"),
		PathStyle:       os.Getenv("TRACTION_BLOB_S3_PATH_STYLE") == "true",
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("TRACTION_BLOB_S3_BUCKET required for s3 driver")
	}
	return NewS3(ctx, cfg)
}

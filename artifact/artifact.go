// Package artifact stores the files produced by a run (data sets,
// estimate tables, plots) on a local directory, in memory, or in an
// S3 compatible bucket.
package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("artifact")

// Driver identifies a storage backend.
type Driver string

const (
	// DriverFilesystem stores artifacts below a local directory.
	DriverFilesystem Driver = "fs"

	// DriverS3 stores artifacts in an S3 or MinIO bucket.
	DriverS3 Driver = "s3"

	// DriverMemory keeps artifacts in process memory.
	DriverMemory Driver = "memory"
)

var (
	// ErrNotFound is returned by Get when no artifact has the key.
	ErrNotFound = errors.New("artifact: not found")

	// ErrUnsupported is returned for unknown drivers.
	ErrUnsupported = errors.New("artifact: unsupported")
)

// Info describes a stored artifact.
type Info struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size_bytes"`
	LastModified time.Time `json:"last_modified"`
}

// Store is a flat key/value store for run artifacts.  Put replaces
// any existing artifact with the same key.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) (Info, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	Driver() Driver
}

// Open selects a Store using environment variables.
//
//	CLOGLOG_ARTIFACT_DRIVER: fs|s3|memory (default fs)
//	CLOGLOG_ARTIFACT_FS_ROOT: root directory for fs (default ./artifacts)
//	(S3 variables are documented in s3.go)
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv("CLOGLOG_ARTIFACT_DRIVER")
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	log.Debugf("artifact driver %s", driver)
	switch Driver(driver) {
	case DriverFilesystem:
		return NewFilesystem(os.Getenv("CLOGLOG_ARTIFACT_FS_ROOT"))
	case DriverS3:
		return OpenS3FromEnv(ctx)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: driver %q", ErrUnsupported, driver)
	}
}

// PutBytes stores b under key.
func PutBytes(ctx context.Context, s Store, key string, b []byte) (Info, error) {
	info, err := s.Put(ctx, key, bytes.NewReader(b))
	if err != nil {
		return Info{}, fmt.Errorf("put %s: %w", key, err)
	}
	return info, nil
}

// GetBytes reads the whole artifact stored under key.
func GetBytes(ctx context.Context, s Store, key string) ([]byte, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return b, nil
}

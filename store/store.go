// Package store provides a key-value document store with pluggable drivers.
//
// Documents are addressed by slash-separated paths and serialized as JSON.
// There are four drivers: postgres, a local file system, AWS S3 and an
// in-process memory store for testing.
package store

import (
	"errors"

	"github.com/goccy/go-json"
)

// Driver defines the interface for the document store
type Driver interface {
	// Read reads the document at path into value. It returns false
	// if there is no document at path.
	Read(path string, value interface{}) (bool, error)
	// Write stores value as the document at path, replacing any
	// previous document.
	Write(path string, value interface{}) error
	// Update rewrites the document at path. The modify callback receives
	// the current document as raw JSON, or nil if there is none, and
	// returns the replacement document. If it returns nil with no error,
	// the document is left untouched. Drivers serialize concurrent
	// updates of the same path; the postgres driver does so with a
	// row lock, the others with a process-local mutex.
	Update(path string, modify func(raw json.RawMessage) (interface{}, error)) error
	// Delete removes the document at path. Deleting a missing
	// document is not an error.
	Delete(path string) error
}

// ErrInvalidPath is returned for paths that try to escape the store.
var ErrInvalidPath = errors.New("invalid document path")

// DriverType represents the different types of store drivers
type DriverType string

// DriverTypePostgres is the postgres implementation of the store
const DriverTypePostgres DriverType = "Postgres"

// DriverTypeLocal is the local filesystem implementation of the store
const DriverTypeLocal DriverType = "Local"

// DriverTypeAWSS3 is the AWS S3 implementation of the store
const DriverTypeAWSS3 DriverType = "AWSS3"

// DriverTypeMemory is the in-process implementation of the store, intended for testing
const DriverTypeMemory DriverType = "Memory"

// Configuration contains the configuration for the store
type Configuration struct {
	DriverType            DriverType
	PostgresConfiguration *PostgresConfiguration
	LocalConfiguration    *LocalConfiguration
	S3Configuration       *S3Configuration
}

// LocalConfiguration contains the configuration for the local filesystem store
type LocalConfiguration struct {
	BasePath string
}

// New creates a driver from the configuration.
func New(config Configuration) (Driver, error) {
	switch config.DriverType {
	case DriverTypePostgres:
		if config.PostgresConfiguration == nil {
			return nil, errors.New("postgres configuration is missing")
		}
		return NewPostgres(*config.PostgresConfiguration)
	case DriverTypeLocal:
		if config.LocalConfiguration == nil {
			return nil, errors.New("local configuration is missing")
		}
		return NewLocalFilesystem(config.LocalConfiguration.BasePath)
	case DriverTypeAWSS3:
		if config.S3Configuration == nil {
			return nil, errors.New("s3 configuration is missing")
		}
		return NewS3(*config.S3Configuration)
	case DriverTypeMemory:
		return NewMemory(), nil
	}
	return nil, errors.New("unknown store driver type " + string(config.DriverType))
}

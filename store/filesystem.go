package store

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/verdant-tech/gardenauth/core/logger"
)

// LocalFilesystem is the implementation of the store Driver on the local
// file system. Every document is a JSON file below the base folder.
//
// Updates are serialized with a process-local mutex. This can only give
// atomicity when running in a single instance configuration.
type LocalFilesystem struct {
	baseFolder string
	mu         sync.Mutex
}

// NewLocalFilesystem returns a new LocalFilesystem store rooted at baseFolder.
func NewLocalFilesystem(baseFolder string) (*LocalFilesystem, error) {
	if err := os.MkdirAll(baseFolder, 0700); err != nil {
		return nil, err
	}
	logger.Default().Debugln("filesystem store enabled at ", baseFolder)
	return &LocalFilesystem{baseFolder: baseFolder}, nil
}

func (f *LocalFilesystem) filePath(path string) (string, error) {
	if strings.Contains(path, "..") {
		return "", ErrInvalidPath
	}
	return filepath.Join(f.baseFolder, path+".json"), nil
}

// Read reads the document at path into value.
func (f *LocalFilesystem) Read(path string, value interface{}) (bool, error) {
	filePath, err := f.filePath(path)
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(filePath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(data, value)
}

// Write stores value as the document at path.
func (f *LocalFilesystem) Write(path string, value interface{}) error {
	filePath, err := f.filePath(path)
	if err != nil {
		return err
	}
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		return err
	}
	return os.WriteFile(filePath, body, 0600)
}

// Update rewrites the document at path under the store mutex.
func (f *LocalFilesystem) Update(path string, modify func(raw json.RawMessage) (interface{}, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	filePath, err := f.filePath(path)
	if err != nil {
		return err
	}
	var raw json.RawMessage
	data, err := os.ReadFile(filePath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if err == nil {
		raw = data
	}
	value, err := modify(raw)
	if err != nil {
		return err
	}
	if value == nil {
		return nil
	}
	return f.Write(path, value)
}

// Delete removes the document at path.
func (f *LocalFilesystem) Delete(path string) error {
	filePath, err := f.filePath(path)
	if err != nil {
		return err
	}
	err = os.Remove(filePath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

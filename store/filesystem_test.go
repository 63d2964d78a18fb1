package store

import (
	"errors"
	"testing"
)

func TestLocalFilesystemDriver(t *testing.T) {
	driver, err := NewLocalFilesystem(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	testDriver(t, driver)
}

func TestLocalFilesystemInvalidPath(t *testing.T) {
	driver, err := NewLocalFilesystem(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	var doc testDocument
	if _, err := driver.Read("../escape", &doc); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("Expecting ErrInvalidPath got '%v'", err)
	}
	if err := driver.Write("garden/../../escape", doc); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("Expecting ErrInvalidPath got '%v'", err)
	}
}

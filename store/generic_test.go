package store

import (
	"errors"
	"testing"

	"github.com/goccy/go-json"
)

type testDocument struct {
	A string `json:"a"`
	N int    `json:"n"`
}

// testDriver exercises the Driver contract. It is shared by the tests of
// all driver implementations.
func testDriver(t *testing.T, driver Driver) {
	t.Helper()

	// missing document
	var doc testDocument
	found, err := driver.Read("garden/tomato42", &doc)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("missing document seems to exist")
	}

	// write and read back
	err = driver.Write("garden/tomato42", testDocument{A: "hello", N: 1})
	if err != nil {
		t.Fatal(err)
	}
	found, err = driver.Read("garden/tomato42", &doc)
	if err != nil {
		t.Fatal(err)
	}
	if !found || doc.A != "hello" || doc.N != 1 {
		t.Fatalf("could not read what I wrote, got %+v", doc)
	}

	// overwrite
	err = driver.Write("garden/tomato42", testDocument{A: "world", N: 2})
	if err != nil {
		t.Fatal(err)
	}
	_, err = driver.Read("garden/tomato42", &doc)
	if err != nil {
		t.Fatal(err)
	}
	if doc.A != "world" || doc.N != 2 {
		t.Fatalf("document not replaced, got %+v", doc)
	}

	// update of a missing document receives nil and creates it
	err = driver.Update("garden/basil7", func(raw json.RawMessage) (interface{}, error) {
		if raw != nil {
			t.Fatal("update of a missing document must receive nil")
		}
		return testDocument{A: "created", N: 1}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	found, _ = driver.Read("garden/basil7", &doc)
	if !found || doc.A != "created" {
		t.Fatalf("update did not create the document, got %+v", doc)
	}

	// update modifies in place
	err = driver.Update("garden/basil7", func(raw json.RawMessage) (interface{}, error) {
		var current testDocument
		if err := json.Unmarshal(raw, &current); err != nil {
			return nil, err
		}
		current.N++
		return current, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	driver.Read("garden/basil7", &doc)
	if doc.N != 2 {
		t.Fatalf("Expecting 2 got %v", doc.N)
	}

	// returning nil leaves the document untouched
	err = driver.Update("garden/basil7", func(raw json.RawMessage) (interface{}, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	driver.Read("garden/basil7", &doc)
	if doc.N != 2 {
		t.Fatal("nil update modified the document")
	}

	// a failing modify aborts the update
	myError := errors.New("nope")
	err = driver.Update("garden/basil7", func(raw json.RawMessage) (interface{}, error) {
		return nil, myError
	})
	if !errors.Is(err, myError) {
		t.Fatalf("Expecting the modify error got '%v'", err)
	}
	driver.Read("garden/basil7", &doc)
	if doc.N != 2 {
		t.Fatal("failed update modified the document")
	}

	// delete, twice
	if err := driver.Delete("garden/tomato42"); err != nil {
		t.Fatal(err)
	}
	found, err = driver.Read("garden/tomato42", &doc)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("deleted document seems to exist")
	}
	if err := driver.Delete("garden/tomato42"); err != nil {
		t.Fatal("deleting a missing document must not fail:", err)
	}
}

package misc

import (
	"strings"
	"testing"
)

func TestReadAllUpTo(t *testing.T) {
	content, err := ReadAllUpTo(strings.NewReader("0123456789"), 5)
	if err != nil || string(content) != "01234" {
		t.Fatalf("got %q, %v", content, err)
	}
	content, err = ReadAllUpTo(strings.NewReader("abc"), 100)
	if err != nil || string(content) != "abc" {
		t.Fatalf("got %q, %v", content, err)
	}
	if _, err := ReadAllUpTo(nil, 10); err != ErrInputReaderNil {
		t.Fatalf("expected ErrInputReaderNil, got %v", err)
	}
	if _, err := ReadAllUpTo(strings.NewReader("x"), -1); err != ErrInputCapacityInvalid {
		t.Fatalf("expected ErrInputCapacityInvalid, got %v", err)
	}
}

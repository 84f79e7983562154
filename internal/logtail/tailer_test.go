package logtail

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/deezertidal/cf-workers-rate-limiting/internal/logging"
)

func TestReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var got []string
	if err := New(path, logging.NewNop()).ReadAll(context.Background(), func(l string) { got = append(got, l) }); err != nil {
		t.Fatalf("read: %v", err)
	}
	if want := []string{"one", "two", "three"}; !reflect.DeepEqual(got, want) {
		t.Errorf("want %v, got %v", want, got)
	}
}

func TestReadAllMissingFile(t *testing.T) {
	err := New(filepath.Join(t.TempDir(), "missing.log"), logging.NewNop()).ReadAll(context.Background(), func(string) {})
	if err == nil {
		t.Fatal("want error for missing file")
	}
}

func TestReadAllCanceled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	if err := os.WriteFile(path, []byte("one\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New(path, logging.NewNop()).ReadAll(ctx, func(string) {})
	// The single line may be delivered before cancellation is observed.
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("want nil or context.Canceled, got %v", err)
	}
}

package credential

import (
	"errors"
	"testing"

	"github.com/99designs/keyring"
)

func useArrayKeyring(t *testing.T) {
	t.Helper()
	ring := keyring.NewArrayKeyring(nil)
	orig := Open
	Open = func() (keyring.Keyring, error) { return ring, nil }
	t.Cleanup(func() { Open = orig })
}

func TestSetGetDelete(t *testing.T) {
	useArrayKeyring(t)

	if _, err := Get("orders@shop.example"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() on empty ring error = %v, want ErrNotFound", err)
	}
	if err := Set("orders@shop.example", "s3cret"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := Get("orders@shop.example")
	if err != nil || got != "s3cret" {
		t.Fatalf("Get() = %q, %v", got, err)
	}
	if err := Delete("orders@shop.example"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := Get("orders@shop.example"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

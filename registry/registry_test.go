package registry_test

import (
	"testing"

	"github.com/atdiar/restfuncs/registry"
)

type bookService struct{}

func (s *bookService) GetBook(name, authorFilter string) []string {
	return []string{name, authorFilter}
}

func (s *bookService) unexportedHelper() {} //nolint:unused // exercised via reflection only

func TestExposeAndLookup(t *testing.T) {
	svc := &bookService{}
	c, err := registry.Register("bookService", svc)
	if err != nil {
		t.Fatal(err)
	}
	registry.Expose(c, svc, "GetBook", registry.MethodOptions{IsSafe: true})

	m, ok := c.Method("GetBook")
	if !ok {
		t.Fatal("expected GetBook to be registered")
	}
	if !m.Options.IsSafe {
		t.Fatal("expected IsSafe to be preserved")
	}
	if len(m.Params) != 2 {
		t.Fatalf("expected 2 params, got %d", len(m.Params))
	}
}

func TestExposeRejectsReservedName(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic exposing a reserved name")
		}
	}()
	svc := &bookService{}
	c, _ := registry.Register("bookService", svc)
	registry.Expose(c, svc, "Session", registry.MethodOptions{})
}

func TestExposeRejectsMissingMethod(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic exposing a nonexistent method")
		}
	}()
	svc := &bookService{}
	c, _ := registry.Register("bookService", svc)
	registry.Expose(c, svc, "DoesNotExist", registry.MethodOptions{})
}

func TestUnexposedMethodIsNotCallable(t *testing.T) {
	svc := &bookService{}
	c, _ := registry.Register("bookService", svc)
	// Note: GetBook is never exposed here.
	if _, ok := c.Method("GetBook"); ok {
		t.Fatal("a method is only callable once explicitly exposed")
	}
}

package instrument

import (
	"context"
	"errors"
	"testing"
	"time"
)

type staticProbe struct{ id string }

func (s staticProbe) Metadata() Metadata {
	return Metadata{Type: "static", Name: "Static", Description: "fixed reading"}
}

func (s staticProbe) Execute(context.Context, Input) (Reading, error) {
	return Reading{InstrumentID: s.id, Value: 1, Confidence: 1, Timestamp: time.Now()}, nil
}

func TestRegistryRegisterAndBuild(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("static", func(id string, _ map[string]string) (Instrument, error) {
		return staticProbe{id: id}, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	inst, err := r.Build("static", "probe.1", nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if inst.Metadata().Type != "static" {
		t.Fatalf("unexpected metadata %+v", inst.Metadata())
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	ctor := func(id string, _ map[string]string) (Instrument, error) { return staticProbe{id: id}, nil }
	if err := r.Register("static", ctor); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("static", ctor); !errors.Is(err, ErrTypeExists) {
		t.Fatalf("expected ErrTypeExists, got %v", err)
	}
}

func TestRegistryUnknownType(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Build("nope", "x", nil); !errors.Is(err, ErrTypeUnknown) {
		t.Fatalf("expected ErrTypeUnknown, got %v", err)
	}
	if err := r.Register("", nil); err == nil {
		t.Fatal("expected error on empty type")
	}
	if err := r.Register("x", nil); !errors.Is(err, ErrNilConstructor) {
		t.Fatalf("expected ErrNilConstructor, got %v", err)
	}
}

// ABOUTME: Unit tests for device identity context propagation
// ABOUTME: Tests WithDevice/DeviceFromContext round-trips and anonymous contexts

package auth

import (
	"context"
	"testing"
)

func TestWithDevice_RoundTrip(t *testing.T) {
	device := &Device{ID: "device-123", Name: "laptop"}
	ctx := WithDevice(context.Background(), device)

	got := DeviceFromContext(ctx)
	if got == nil {
		t.Fatal("DeviceFromContext() returned nil")
	}
	if got.ID != "device-123" {
		t.Errorf("ID = %q, want %q", got.ID, "device-123")
	}
	if got.Name != "laptop" {
		t.Errorf("Name = %q, want %q", got.Name, "laptop")
	}
}

func TestDeviceFromContext_Anonymous(t *testing.T) {
	if got := DeviceFromContext(context.Background()); got != nil {
		t.Errorf("DeviceFromContext() = %v, want nil", got)
	}
}

func TestDeviceID(t *testing.T) {
	if id := DeviceID(context.Background()); id != "" {
		t.Errorf("DeviceID() = %q, want empty", id)
	}

	ctx := WithDevice(context.Background(), &Device{ID: "device-9"})
	if id := DeviceID(ctx); id != "device-9" {
		t.Errorf("DeviceID() = %q, want %q", id, "device-9")
	}
}

func TestDeviceID_NilDevice(t *testing.T) {
	ctx := WithDevice(context.Background(), nil)
	if id := DeviceID(ctx); id != "" {
		t.Errorf("DeviceID() = %q, want empty", id)
	}
}

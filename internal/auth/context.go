// ABOUTME: Device identity as ambient request context
// ABOUTME: Provides WithDevice/DeviceFromContext so ownership checks need no threaded parameter

package auth

import (
	"context"
)

// Device holds the authenticated device identity extracted from a
// connection. Populated when the connection authenticates and read by
// session-ownership and audit checks. A nil Device means the caller is
// anonymous; flows it starts are ownerless.
type Device struct {
	ID   string // stable device identifier from the token's sub claim
	Name string // optional human label, not part of identity
}

// deviceContextKey is the key type for storing Device in context.Context.
type deviceContextKey struct{}

// WithDevice returns a new context with the device identity attached.
func WithDevice(ctx context.Context, device *Device) context.Context {
	return context.WithValue(ctx, deviceContextKey{}, device)
}

// DeviceFromContext retrieves the device identity, returning nil if the
// context carries none.
func DeviceFromContext(ctx context.Context) *Device {
	val := ctx.Value(deviceContextKey{})
	if val == nil {
		return nil
	}
	device, ok := val.(*Device)
	if !ok {
		return nil
	}
	return device
}

// DeviceID returns the device id from the context, or "" when anonymous.
func DeviceID(ctx context.Context) string {
	if device := DeviceFromContext(ctx); device != nil {
		return device.ID
	}
	return ""
}

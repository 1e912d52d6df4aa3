// Package auth provides device authentication for sigil-gateway.
//
// Devices authenticate with JWT tokens signed HS256 using the configured
// jwt_secret. The token's "sub" claim is the stable device id.
//
// Once a connection is authenticated, the device identity travels as
// ambient context:
//
//	ctx = auth.WithDevice(ctx, &auth.Device{ID: deviceID})
//	...
//	if auth.DeviceID(ctx) != session.Owner { ... }
//
// Session ownership and audit attribution read the identity from the
// context instead of threading it through every call. A context with no
// device is anonymous; flows started from it are ownerless.
package auth

// Package session is the relay's session validator: a call-through client to
// the external authentication service.
//
// The relay never verifies credentials itself. Every outcome is either an
// identity.Identity or an error wrapping ErrAuthFailure; transport failures,
// timeouts and explicit rejections all collapse into that single boundary.
package session

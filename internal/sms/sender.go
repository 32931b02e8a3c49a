// Package sms delivers one-time codes through an external SMS gateway.
package sms

import "context"

// Sender delivers a one-time code to a phone. A returned error means the
// code was NOT delivered; callers must not persist or announce the code.
// Nothing is retried at this layer.
type Sender interface {
	SendCode(ctx context.Context, phone, code string) error
}

package device

import (
	"context"
)

// KeyCode is an Android input key code sent through the control channel.
type KeyCode int

const (
	KeyBack   KeyCode = 4
	KeyEnter  KeyCode = 66
	KeyEscape KeyCode = 111
)

// Controller is the device control channel the bot drives the emulator with.
// Tap, Key and TypeText are fire-and-forget: a nil error only means the input
// was delivered, not that the game reacted. Every call honors its context
// deadline.
type Controller interface {
	Tap(ctx context.Context, x, y int) error
	Key(ctx context.Context, code KeyCode) error
	TypeText(ctx context.Context, text string) error
	Screenshot(ctx context.Context) ([]byte, error)
}

package device

import (
	"context"
	"fmt"

	"github.com/tarm/serial"

	"rokbot/internal/logger"
)

// SerialController drives the game through an Arduino HID pass-through board.
// The board accepts one newline-terminated command per line: "click:x,y",
// "key_down:<key>", "key_up:<key>", "copy_to_clipboard:<text>", "paste".
//
// This backend has no capture path; pair it with a desktop frame source.
type SerialController struct {
	port   *serial.Port
	logger *logger.LoggerManager
}

// NewSerialController opens the serial port the Arduino is attached to.
func NewSerialController(portName string, baud int, loggerManager *logger.LoggerManager) (*SerialController, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:     portName,
		Baud:     baud,
		Parity:   serial.ParityNone,
		StopBits: serial.Stop1,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", portName, err)
	}
	return &SerialController{port: port, logger: loggerManager}, nil
}

func (c *SerialController) send(ctx context.Context, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.port.Write([]byte(message)); err != nil {
		return fmt.Errorf("write to arduino: %w", err)
	}
	return nil
}

// Tap sends a click at canvas coordinates.
func (c *SerialController) Tap(ctx context.Context, x, y int) error {
	c.logger.Debug("serial click (%d, %d)", x, y)
	return c.send(ctx, fmt.Sprintf("click:%d,%d\n", x, y))
}

// Key presses and releases a key. Only the codes the bot uses are mapped.
func (c *SerialController) Key(ctx context.Context, code KeyCode) error {
	name, ok := keyNames[code]
	if !ok {
		return fmt.Errorf("serial backend: unmapped key code %d", int(code))
	}
	c.logger.Debug("serial key %s", name)
	if err := c.send(ctx, fmt.Sprintf("key_down:%s\n", name)); err != nil {
		return err
	}
	return c.send(ctx, fmt.Sprintf("key_up:%s\n", name))
}

var keyNames = map[KeyCode]string{
	KeyEscape: "esc",
	KeyEnter:  "enter",
	KeyBack:   "esc", // the emulator maps ESC to Android back
}

// TypeText places text on the host clipboard and pastes it.
func (c *SerialController) TypeText(ctx context.Context, text string) error {
	if err := c.send(ctx, fmt.Sprintf("copy_to_clipboard:%s\n", text)); err != nil {
		return err
	}
	return c.send(ctx, "paste\n")
}

// Screenshot is not supported over serial.
func (c *SerialController) Screenshot(ctx context.Context) ([]byte, error) {
	return nil, fmt.Errorf("serial backend has no capture channel")
}

// Close releases the serial port.
func (c *SerialController) Close() error {
	return c.port.Close()
}

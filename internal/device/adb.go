package device

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"rokbot/internal/logger"
)

// ADBController drives an emulator instance through the adb binary.
type ADBController struct {
	adbPath  string
	deviceID string
	timeout  time.Duration
	logger   *logger.LoggerManager
}

// NewADBController creates a controller for the given device serial.
func NewADBController(adbPath, deviceID string, timeout time.Duration, loggerManager *logger.LoggerManager) *ADBController {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ADBController{
		adbPath:  adbPath,
		deviceID: deviceID,
		timeout:  timeout,
		logger:   loggerManager,
	}
}

func (c *ADBController) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	full := append([]string{"-s", c.deviceID}, args...)
	cmd := exec.CommandContext(ctx, c.adbPath, full...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("adb %s: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Tap sends a tap at canvas coordinates.
func (c *ADBController) Tap(ctx context.Context, x, y int) error {
	c.logger.Debug("adb tap (%d, %d)", x, y)
	_, err := c.run(ctx, "shell", "input", "tap", strconv.Itoa(x), strconv.Itoa(y))
	return err
}

// Key sends an Android key event.
func (c *ADBController) Key(ctx context.Context, code KeyCode) error {
	c.logger.Debug("adb keyevent %d", int(code))
	_, err := c.run(ctx, "shell", "input", "keyevent", strconv.Itoa(int(code)))
	return err
}

// TypeText types text into the focused input field. Spaces and quotes are
// escaped the way `input text` expects.
func (c *ADBController) TypeText(ctx context.Context, text string) error {
	escaped := strings.ReplaceAll(text, " ", "%s")
	escaped = strings.ReplaceAll(escaped, "'", "\\'")
	_, err := c.run(ctx, "shell", "input", "text", escaped)
	return err
}

// Screenshot captures the display as PNG bytes via exec-out.
func (c *ADBController) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := c.run(ctx, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("adb screencap: empty output")
	}
	return data, nil
}

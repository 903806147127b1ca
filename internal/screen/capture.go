package screen

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/kbinani/screenshot"
	"gocv.io/x/gocv"
)

// Frame is one timestamped capture of the emulator display, normalized to the
// canvas resolution. Callers own the Mat and must Close it.
type Frame struct {
	Image      gocv.Mat
	CapturedAt time.Time
}

// Close releases the frame's pixel data.
func (f *Frame) Close() {
	if !f.Image.Empty() {
		f.Image.Close()
	}
}

// FrameSource produces frames on demand. Implementations may fail or time out;
// callers treat a failed capture as "no evidence this cycle".
type FrameSource interface {
	Capture(ctx context.Context) (Frame, error)
}

// Grabber is the minimal device capability a DeviceSource needs: a raw
// PNG/JPEG screenshot of the emulator display.
type Grabber interface {
	Screenshot(ctx context.Context) ([]byte, error)
}

// DeviceSource captures frames through the device control channel (ADB).
type DeviceSource struct {
	grabber Grabber
}

// NewDeviceSource wraps a device grabber as a FrameSource.
func NewDeviceSource(grabber Grabber) *DeviceSource {
	return &DeviceSource{grabber: grabber}
}

// Capture grabs a screenshot, decodes it and normalizes it to the canvas.
func (s *DeviceSource) Capture(ctx context.Context) (Frame, error) {
	data, err := s.grabber.Screenshot(ctx)
	if err != nil {
		return Frame{}, fmt.Errorf("device screenshot: %w", err)
	}

	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return Frame{}, fmt.Errorf("decode screenshot: %w", err)
	}
	if mat.Empty() {
		mat.Close()
		return Frame{}, fmt.Errorf("decode screenshot: empty image")
	}

	return normalize(mat), nil
}

// DesktopSource captures frames from a desktop window rectangle. Used for
// emulators whose ADB bridge is unavailable; the rectangle must enclose the
// rendered game view.
type DesktopSource struct {
	bounds image.Rectangle
}

// NewDesktopSource captures the given desktop rectangle each cycle.
func NewDesktopSource(bounds image.Rectangle) *DesktopSource {
	return &DesktopSource{bounds: bounds}
}

// Capture grabs the configured desktop rectangle.
func (s *DesktopSource) Capture(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	img, err := screenshot.CaptureRect(s.bounds)
	if err != nil {
		return Frame{}, fmt.Errorf("capture desktop rect: %w", err)
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return Frame{}, fmt.Errorf("convert capture: %w", err)
	}

	return normalize(mat), nil
}

// normalize rescales mat to the canvas resolution when the emulator renders at
// a different effective density. Takes ownership of mat.
func normalize(mat gocv.Mat) Frame {
	if mat.Cols() != CanvasWidth || mat.Rows() != CanvasHeight {
		resized := gocv.NewMat()
		gocv.Resize(mat, &resized, image.Pt(CanvasWidth, CanvasHeight), 0, 0, gocv.InterpolationLinear)
		mat.Close()
		mat = resized
	}
	return Frame{Image: mat, CapturedAt: time.Now()}
}

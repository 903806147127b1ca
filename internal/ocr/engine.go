// Package ocr reads text out of captured frames with tesseract, behind
// a preprocessing and caching layer tuned for game UI text.
package ocr

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/otiai10/gosseract"
	"gocv.io/x/gocv"

	"rokbot/internal/config"
	"rokbot/internal/logger"
	"rokbot/internal/screen"
)

// PreprocessMode selects how a frame crop is prepared before OCR.
type PreprocessMode string

const (
	// ModeDefault thresholds bright pixels.
	ModeDefault PreprocessMode = "default"
	// ModeChat isolates the bright chat text on the semi-transparent
	// dark chat background.
	ModeChat PreprocessMode = "chat"
	// ModeChatWhite extracts near-white pixels only.
	ModeChatWhite PreprocessMode = "chat_white"
	// ModeChatInvert boosts contrast before thresholding.
	ModeChatInvert PreprocessMode = "chat_invert"
	// ModeNumbers is tuned for digits (coordinates, power values).
	ModeNumbers PreprocessMode = "numbers"
	// ModeDark handles light text on dark backgrounds.
	ModeDark PreprocessMode = "dark"
	// ModeAdaptive uses an adaptive threshold for uneven lighting.
	ModeAdaptive PreprocessMode = "adaptive"
)

// ChatModes are tried in order when scanning chat for title requests.
var ChatModes = []PreprocessMode{ModeChat, ModeChatWhite, ModeChatInvert}

type cacheEntry struct {
	text     string
	storedAt time.Time
}

// Engine wraps a tesseract client with preprocessing and a short-lived
// result cache keyed by the processed pixels. Safe for use from one
// goroutine at a time per method call; the mutex serializes tesseract.
type Engine struct {
	mu     sync.Mutex
	client *gosseract.Client
	logger *logger.LoggerManager

	cache    map[string]cacheEntry
	cacheTTL time.Duration

	// recognize runs OCR on an already processed mat. Swappable so
	// tests can avoid a tesseract install.
	recognize func(processed gocv.Mat) (string, error)
}

// NewEngine builds an OCR engine from config. The tesseract languages
// string uses "+" separators, e.g. "eng+chi_sim+kor".
func NewEngine(cfg config.OCRConfig, loggerManager *logger.LoggerManager) (*Engine, error) {
	if cfg.TessdataDir != "" {
		// gosseract reads the prefix from the environment at init time.
		if err := os.Setenv("TESSDATA_PREFIX", cfg.TessdataDir); err != nil {
			return nil, fmt.Errorf("set tessdata prefix: %w", err)
		}
	}

	client := gosseract.NewClient()
	langs := strings.Split(cfg.Languages, "+")
	if err := client.SetLanguage(langs...); err != nil {
		client.Close()
		return nil, fmt.Errorf("set OCR languages %q: %w", cfg.Languages, err)
	}
	client.SetPageSegMode(gosseract.PSM_SPARSE_TEXT)

	e := &Engine{
		client:   client,
		logger:   loggerManager,
		cache:    make(map[string]cacheEntry),
		cacheTTL: time.Duration(cfg.CacheTTLSecs) * time.Second,
	}
	e.recognize = e.tesseractRecognize
	return e, nil
}

func (e *Engine) tesseractRecognize(processed gocv.Mat) (string, error) {
	buf, err := gocv.IMEncode(gocv.PNGFileExt, processed)
	if err != nil {
		return "", fmt.Errorf("encode for OCR: %w", err)
	}
	defer buf.Close()

	if err := e.client.SetImageFromBytes(buf.GetBytes()); err != nil {
		return "", fmt.Errorf("set OCR image: %w", err)
	}
	text, err := e.client.Text()
	if err != nil {
		return "", fmt.Errorf("run OCR: %w", err)
	}
	return text, nil
}

// ReadRegion crops the region out of the frame and reads it.
func (e *Engine) ReadRegion(frame gocv.Mat, region screen.Region, mode PreprocessMode) string {
	crop := region.Crop(frame)
	defer crop.Close()
	return e.Read(crop, mode)
}

// Read preprocesses the image and runs OCR. OCR failures are logged
// and return an empty string so callers treat them as "nothing seen".
func (e *Engine) Read(img gocv.Mat, mode PreprocessMode) string {
	if img.Empty() {
		return ""
	}

	processed := Preprocess(img, mode)
	defer processed.Close()

	key := pixelKey(processed)

	// One lock spans lookup and recognition so concurrent readers of
	// the same pixels run tesseract once, not twice.
	e.mu.Lock()
	defer e.mu.Unlock()
	if entry, ok := e.cache[key]; ok && time.Since(entry.storedAt) < e.cacheTTL {
		return entry.text
	}

	text, err := e.recognize(processed)
	if err != nil {
		e.logger.LogError(err, fmt.Sprintf("OCR mode=%s", mode))
		return ""
	}
	text = strings.TrimSpace(text)

	e.cache[key] = cacheEntry{text: text, storedAt: time.Now()}
	e.pruneLocked()
	return text
}

// pruneLocked drops expired entries so the cache does not grow without
// bound during long scans.
func (e *Engine) pruneLocked() {
	if len(e.cache) < 256 {
		return
	}
	for k, entry := range e.cache {
		if time.Since(entry.storedAt) >= e.cacheTTL {
			delete(e.cache, k)
		}
	}
}

// Close releases the tesseract client.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

func pixelKey(m gocv.Mat) string {
	sum := md5.Sum(m.ToBytes())
	return hex.EncodeToString(sum[:])
}

// Preprocess converts an image into the binary form tesseract reads
// best for the given mode. The caller owns the returned mat.
func Preprocess(img gocv.Mat, mode PreprocessMode) gocv.Mat {
	gray := gocv.NewMat()
	if img.Channels() > 1 {
		gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	} else {
		img.CopyTo(&gray)
	}

	switch mode {
	case ModeDefault:
		defer gray.Close()
		binary := gocv.NewMat()
		gocv.Threshold(gray, &binary, 180, 255, gocv.ThresholdBinary)
		return binary

	case ModeChat:
		defer gray.Close()
		return preprocessChat(img, gray)

	case ModeChatWhite:
		defer gray.Close()
		return preprocessChatWhite(img, gray)

	case ModeChatInvert:
		defer gray.Close()
		bright := gocv.NewMat()
		defer bright.Close()
		gray.ConvertToWithParams(&bright, gocv.MatTypeCV8U, 1.8, 30)
		binary := gocv.NewMat()
		gocv.Threshold(bright, &binary, 200, 255, gocv.ThresholdBinary)
		return binary

	case ModeNumbers:
		defer gray.Close()
		boosted := gocv.NewMat()
		defer boosted.Close()
		gray.ConvertToWithParams(&boosted, gocv.MatTypeCV8U, 1.3, 0)
		binary := gocv.NewMat()
		gocv.Threshold(boosted, &binary, 150, 255, gocv.ThresholdBinary)
		return binary

	case ModeDark:
		defer gray.Close()
		binary := gocv.NewMat()
		defer binary.Close()
		gocv.Threshold(gray, &binary, 100, 255, gocv.ThresholdBinaryInv)
		out := gocv.NewMat()
		gocv.BitwiseNot(binary, &out)
		return out

	case ModeAdaptive:
		defer gray.Close()
		binary := gocv.NewMat()
		gocv.AdaptiveThreshold(gray, &binary, 255, gocv.AdaptiveThresholdMean, gocv.ThresholdBinary, 15, 10)
		return binary
	}

	// Unknown mode: plain grayscale.
	return gray
}

// preprocessChat masks bright pixels (white and colored text alike),
// closes small gaps, and dilates to reconnect broken glyphs.
func preprocessChat(img, gray gocv.Mat) gocv.Mat {
	var value gocv.Mat
	if img.Channels() > 1 {
		hsv := gocv.NewMat()
		defer hsv.Close()
		gocv.CvtColor(img, &hsv, gocv.ColorBGRToHSV)
		channels := gocv.Split(hsv)
		for i, ch := range channels {
			if i == 2 {
				value = ch
			} else {
				ch.Close()
			}
		}
	} else {
		value = gray.Clone()
	}
	defer value.Close()

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.Threshold(value, &mask, 150, 255, gocv.ThresholdBinary)

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(2, 2))
	defer kernel.Close()
	closed := gocv.NewMat()
	defer closed.Close()
	gocv.MorphologyEx(mask, &closed, gocv.MorphClose, kernel)

	inverted := gocv.NewMat()
	defer inverted.Close()
	gocv.BitwiseNot(closed, &inverted)
	dilated := gocv.NewMat()
	defer dilated.Close()
	gocv.Dilate(inverted, &dilated, kernel)

	out := gocv.NewMat()
	gocv.BitwiseNot(dilated, &out)
	return out
}

func preprocessChatWhite(img, gray gocv.Mat) gocv.Mat {
	mask := gocv.NewMat()
	if img.Channels() > 1 {
		lower := gocv.NewScalar(180, 180, 180, 0)
		upper := gocv.NewScalar(255, 255, 255, 0)
		gocv.InRangeWithScalar(img, lower, upper, &mask)
	} else {
		gocv.Threshold(gray, &mask, 180, 255, gocv.ThresholdBinary)
	}
	defer mask.Close()

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(2, 2))
	defer kernel.Close()
	out := gocv.NewMat()
	gocv.MorphologyEx(mask, &out, gocv.MorphClose, kernel)
	return out
}

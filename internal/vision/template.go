package vision

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gocv.io/x/gocv"

	"rokbot/internal/logger"
)

// DefaultThreshold is the match score below which a template is treated
// as absent.
const DefaultThreshold = 0.8

// multiScaleFactors are tried in order when a template is marked
// multi-scale. Resolution drift between emulators rarely exceeds 20%.
var multiScaleFactors = []float64{1.0, 0.9, 1.1, 0.8, 1.2}

// Template is a reference image matched against captured frames.
type Template struct {
	Name       string
	Image      gocv.Mat
	Threshold  float64
	MultiScale bool

	matchCount   int
	successCount int
}

// Match is a single template hit within a frame.
type Match struct {
	Template string
	Score    float64
	Location image.Point // top-left of the matched area
	Center   image.Point
	Scale    float64
}

// TemplateLibrary owns the loaded templates and their match statistics.
type TemplateLibrary struct {
	mu        sync.Mutex
	templates map[string]*Template
	logger    *logger.LoggerManager
}

// NewTemplateLibrary loads every PNG from dir. The file stem becomes the
// template name; names ending in "_ms" are matched at multiple scales.
func NewTemplateLibrary(dir string, loggerManager *logger.LoggerManager) (*TemplateLibrary, error) {
	lib := &TemplateLibrary{
		templates: make(map[string]*Template),
		logger:    loggerManager,
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read templates dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".png") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		mat := gocv.IMRead(path, gocv.IMReadColor)
		if mat.Empty() {
			loggerManager.Warn("template %s could not be decoded, skipping", path)
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".png")
		tpl := &Template{Name: name, Image: mat, Threshold: DefaultThreshold}
		if strings.HasSuffix(name, "_ms") {
			tpl.Name = strings.TrimSuffix(name, "_ms")
			tpl.MultiScale = true
		}
		lib.templates[tpl.Name] = tpl
	}

	loggerManager.Info("loaded %d templates from %s", len(lib.templates), dir)
	return lib, nil
}

// Add registers an in-memory template. Used by tests and by the X-button
// discovery flow, which saves crops of close buttons it finds.
func (l *TemplateLibrary) Add(name string, img gocv.Mat, threshold float64, multiScale bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if old, ok := l.templates[name]; ok {
		old.Image.Close()
	}
	l.templates[name] = &Template{Name: name, Image: img, Threshold: threshold, MultiScale: multiScale}
}

// Has reports whether a template with this name is loaded.
func (l *TemplateLibrary) Has(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.templates[name]
	return ok
}

// Find matches one template against the frame. The second return value
// is false when the template is missing or the best score is under its
// threshold.
func (l *TemplateLibrary) Find(frame gocv.Mat, name string) (Match, bool) {
	l.mu.Lock()
	tpl, ok := l.templates[name]
	l.mu.Unlock()
	if !ok {
		return Match{}, false
	}

	best := matchAt(frame, tpl.Image, 1.0)
	if tpl.MultiScale {
		for _, scale := range multiScaleFactors[1:] {
			if m := matchScaled(frame, tpl.Image, scale); m.Score > best.Score {
				best = m
			}
			if best.Score >= tpl.Threshold {
				break
			}
		}
	}
	best.Template = tpl.Name

	found := best.Score >= tpl.Threshold
	l.mu.Lock()
	tpl.matchCount++
	if found {
		tpl.successCount++
	}
	l.mu.Unlock()
	return best, found
}

// Score returns the best match score for a template regardless of its
// threshold. Missing templates score 0.
func (l *TemplateLibrary) Score(frame gocv.Mat, name string) float64 {
	l.mu.Lock()
	tpl, ok := l.templates[name]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	m := matchAt(frame, tpl.Image, 1.0)
	if tpl.MultiScale {
		for _, scale := range multiScaleFactors[1:] {
			if s := matchScaled(frame, tpl.Image, scale); s.Score > m.Score {
				m = s
			}
		}
	}
	return m.Score
}

// FindAny returns the first listed template that matches.
func (l *TemplateLibrary) FindAny(frame gocv.Mat, names ...string) (Match, bool) {
	for _, name := range names {
		if m, ok := l.Find(frame, name); ok {
			return m, true
		}
	}
	return Match{}, false
}

// Stats is a snapshot of per-template match counters.
type Stats struct {
	Template     string  `json:"template"`
	MatchCount   int     `json:"match_count"`
	SuccessCount int     `json:"success_count"`
	SuccessRate  float64 `json:"success_rate"`
}

// Statistics returns the accumulated counters for every template.
func (l *TemplateLibrary) Statistics() []Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Stats, 0, len(l.templates))
	for _, tpl := range l.templates {
		s := Stats{Template: tpl.Name, MatchCount: tpl.matchCount, SuccessCount: tpl.successCount}
		if tpl.matchCount > 0 {
			s.SuccessRate = float64(tpl.successCount) / float64(tpl.matchCount)
		}
		out = append(out, s)
	}
	return out
}

// Close releases all template images.
func (l *TemplateLibrary) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, tpl := range l.templates {
		tpl.Image.Close()
	}
	l.templates = map[string]*Template{}
}

func matchAt(frame, tpl gocv.Mat, scale float64) Match {
	if tpl.Rows() > frame.Rows() || tpl.Cols() > frame.Cols() {
		return Match{Scale: scale}
	}
	result := gocv.NewMat()
	defer result.Close()
	mask := gocv.NewMat()
	defer mask.Close()
	gocv.MatchTemplate(frame, tpl, &result, gocv.TmCcoeffNormed, mask)
	_, maxVal, _, maxLoc := gocv.MinMaxLoc(result)

	return Match{
		Score:    float64(maxVal),
		Location: maxLoc,
		Center:   image.Pt(maxLoc.X+tpl.Cols()/2, maxLoc.Y+tpl.Rows()/2),
		Scale:    scale,
	}
}

func matchScaled(frame, tpl gocv.Mat, scale float64) Match {
	scaled := gocv.NewMat()
	defer scaled.Close()
	gocv.Resize(tpl, &scaled, image.Point{}, scale, scale, gocv.InterpolationLinear)
	if scaled.Rows() < 4 || scaled.Cols() < 4 {
		return Match{Scale: scale}
	}
	return matchAt(frame, scaled, scale)
}

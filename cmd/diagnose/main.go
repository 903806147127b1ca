// Command diagnose runs the screen classifier and OCR pipeline against a
// saved frame so detection thresholds can be tuned without a live device.
package main

import (
	"flag"
	"fmt"
	"image"
	"log"
	"sort"
	"strings"

	"gocv.io/x/gocv"

	"rokbot/internal/config"
	"rokbot/internal/logger"
	"rokbot/internal/ocr"
	"rokbot/internal/screen"
	"rokbot/internal/vision"
)

var allModes = []ocr.PreprocessMode{
	ocr.ModeDefault,
	ocr.ModeChat,
	ocr.ModeChatWhite,
	ocr.ModeChatInvert,
	ocr.ModeNumbers,
	ocr.ModeDark,
	ocr.ModeAdaptive,
}

var inspectedRegions = []screen.Region{
	screen.ChatArea,
	screen.BottomMenu,
	screen.TopRight,
	screen.CenterPopup,
	screen.ExitMenuHeader,
	screen.RankingsHeader,
	screen.ProfilePanel,
	screen.LoadingCenter,
	screen.IdleReferenceWindow,
}

func main() {
	framePath := flag.String("frame", "", "path to a saved screenshot (required)")
	withOCR := flag.Bool("ocr", false, "run OCR over the chat regions in every preprocess mode")
	flag.Parse()

	if *framePath == "" {
		flag.Usage()
		log.Fatal("missing -frame")
	}

	cfg, err := config.InitConfig()
	if err != nil {
		log.Fatal("Error loading config: ", err)
	}
	loggerManager, err := logger.NewLoggerManager(cfg.LogFilePath)
	if err != nil {
		log.Fatal("Error initializing logger: ", err)
	}
	defer loggerManager.Close()

	frame := loadFrame(*framePath)
	defer frame.Close()

	templates, err := vision.NewTemplateLibrary(cfg.Vision.TemplatesDir, loggerManager)
	if err != nil {
		loggerManager.LogError(err, "Error loading template library")
		return
	}
	defer templates.Close()

	classifier := vision.NewClassifier(templates, loggerManager)
	result := classifier.Detect(frame)

	fmt.Printf("frame:      %s (%dx%d)\n", *framePath, frame.Cols(), frame.Rows())
	fmt.Printf("state:      %s\n", result.State)
	fmt.Printf("confidence: %.2f\n", result.Confidence)
	if result.SuggestedAction != "" {
		fmt.Printf("action:     %s\n", result.SuggestedAction)
	}
	for _, step := range result.RecoverySteps {
		fmt.Printf("  recovery: %s\n", step)
	}
	printDetails(result.Details)
	printRegionStats(frame)
	printTemplateStats(templates)

	if *withOCR {
		runOCR(cfg, loggerManager, frame)
	}
}

func loadFrame(path string) gocv.Mat {
	mat := gocv.IMRead(path, gocv.IMReadColor)
	if mat.Empty() {
		log.Fatalf("cannot read frame %s", path)
	}
	if mat.Cols() != screen.CanvasWidth || mat.Rows() != screen.CanvasHeight {
		resized := gocv.NewMat()
		gocv.Resize(mat, &resized, image.Pt(screen.CanvasWidth, screen.CanvasHeight), 0, 0, gocv.InterpolationLinear)
		mat.Close()
		return resized
	}
	return mat
}

func printDetails(details map[string]any) {
	if len(details) == 0 {
		return
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Println("\ndetector details:")
	for _, k := range keys {
		fmt.Printf("  %-24s %v\n", k, details[k])
	}
}

func printRegionStats(frame gocv.Mat) {
	fmt.Println("\nregion statistics:")
	fmt.Printf("  %-24s %10s %10s %10s %10s %8s %8s\n",
		"region", "bright", "blue", "green", "red", "std", "gold")
	for _, region := range inspectedRegions {
		crop := region.Crop(frame)
		report := vision.InspectRegion(crop)
		crop.Close()
		fmt.Printf("  %-24s %10.1f %10.1f %10.1f %10.1f %8.1f %8.3f\n",
			region.Name, report.Brightness, report.BlueMean, report.GreenMean,
			report.RedMean, report.GrayStd, report.GoldRatio)
	}
}

func printTemplateStats(templates *vision.TemplateLibrary) {
	stats := templates.Statistics()
	if len(stats) == 0 {
		fmt.Println("\nno templates loaded")
		return
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Template < stats[j].Template })
	fmt.Println("\ntemplate matches:")
	for _, s := range stats {
		fmt.Printf("  %-24s tried=%d hit=%d rate=%.2f\n",
			s.Template, s.MatchCount, s.SuccessCount, s.SuccessRate)
	}
}

func runOCR(cfg config.Config, loggerManager *logger.LoggerManager, frame gocv.Mat) {
	engine, err := ocr.NewEngine(cfg.OCR, loggerManager)
	if err != nil {
		loggerManager.LogError(err, "Error initializing OCR engine")
		return
	}
	defer engine.Close()

	regions := append([]screen.Region{}, screen.ChatScanRegions...)
	regions = append(regions, screen.ChatMessagesExpanded)

	fmt.Println("\nocr results:")
	for _, region := range regions {
		for _, mode := range allModes {
			text := strings.TrimSpace(engine.ReadRegion(frame, region, mode))
			if text == "" {
				text = "<blank>"
			}
			fmt.Printf("  %-24s %-12s %s\n", region.Name, mode, oneLine(text))
		}
	}
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " | ")
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return s
}

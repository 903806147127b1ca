package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"image"

	"gocv.io/x/gocv"

	"rokbot/internal/api"
	"rokbot/internal/bot"
	"rokbot/internal/config"
	"rokbot/internal/database"
	"rokbot/internal/device"
	"rokbot/internal/interrupt"
	"rokbot/internal/lock"
	"rokbot/internal/logger"
	"rokbot/internal/navigator"
	"rokbot/internal/ocr"
	"rokbot/internal/screen"
	"rokbot/internal/titles"
	"rokbot/internal/vision"
)

func main() {
	cfg, err := config.InitConfig()
	if err != nil {
		log.Fatal("Error loading config: ", err)
	}

	loggerManager, err := logger.NewLoggerManager(cfg.LogFilePath)
	if err != nil {
		log.Fatal("Error initializing logger: ", err)
	}
	defer loggerManager.Close()

	loggerManager.Info("starting rokbot")

	// One bot per device. A stale lock from a crashed run is stolen.
	deviceKey := cfg.Device.DeviceID
	if cfg.Device.Backend == "serial" {
		deviceKey = cfg.Device.SerialPort
	}
	deviceLock, err := lock.Acquire(filepath.Join(cfg.Tracker.DataDir, "locks"), deviceKey)
	if err != nil {
		loggerManager.LogError(err, "device is already controlled by another bot")
		return
	}
	defer deviceLock.Release()

	// Optional MySQL history sink.
	var history titles.HistorySink
	var dbManager *database.DatabaseManager
	if cfg.MySQLDSN != "" {
		db, err := database.Open(cfg.MySQLDSN)
		if err != nil {
			loggerManager.LogError(err, "Error connecting to database")
			return
		}
		dbManager, err = database.NewDatabaseManager(db, loggerManager)
		if err != nil {
			loggerManager.LogError(err, "Error preparing history table")
			return
		}
		defer dbManager.Close()
		history = dbManager
		if count, err := dbManager.RequestCountSince(time.Now().Add(-24 * time.Hour)); err == nil {
			loggerManager.Info("request history sink connected, %d requests in the last 24h", count)
		} else {
			loggerManager.Info("request history sink connected")
		}
	}

	// Input backend plus a matching frame source.
	var controller device.Controller
	var source screen.FrameSource
	switch cfg.Device.Backend {
	case "serial":
		serialController, err := device.NewSerialController(cfg.Device.SerialPort, cfg.Device.BaudRate, loggerManager)
		if err != nil {
			loggerManager.LogError(err, "Error opening serial port")
			return
		}
		defer serialController.Close()
		controller = serialController
		source = screen.NewDesktopSource(image.Rect(
			cfg.Device.CaptureLeft,
			cfg.Device.CaptureTop,
			cfg.Device.CaptureLeft+cfg.Device.CaptureWidth,
			cfg.Device.CaptureTop+cfg.Device.CaptureHeight,
		))
	default:
		adb := device.NewADBController(cfg.Device.AdbPath, cfg.Device.DeviceID, cfg.CommandTimeout(), loggerManager)
		controller = adb
		source = screen.NewDeviceSource(adb)
	}

	templates, err := vision.NewTemplateLibrary(cfg.Vision.TemplatesDir, loggerManager)
	if err != nil {
		loggerManager.LogError(err, "Error loading template library")
		return
	}
	defer templates.Close()

	classifier := vision.NewClassifier(templates, loggerManager)

	engine, err := ocr.NewEngine(cfg.OCR, loggerManager)
	if err != nil {
		loggerManager.LogError(err, "Error initializing OCR engine")
		return
	}
	defer engine.Close()

	tracker, err := titles.NewTracker(cfg.Tracker, history, loggerManager)
	if err != nil {
		loggerManager.LogError(err, "Error loading title tracker")
		return
	}
	defer tracker.Shutdown()

	nav := navigator.NewNavigator(controller, source, classifier, loggerManager)
	defer nav.Close()
	loadIdleReference(nav, cfg.Vision.IdleReference, loggerManager)

	hub := api.NewClient(cfg.API, loggerManager)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !hub.TestConnection(ctx) {
		loggerManager.Warn("stats hub unreachable at %s, continuing offline", cfg.API.BaseURL)
	}

	interruptManager := interrupt.NewInterruptManager(loggerManager)
	interruptManager.StartMonitoring()
	loggerManager.Info("hotkeys: F9 pause, F10 stop current operation")

	controlLoop := bot.New(bot.Deps{
		Config:     cfg,
		Logger:     loggerManager,
		Source:     source,
		Navigator:  nav,
		Detector:   classifier,
		OCR:        engine,
		Tracker:    tracker,
		Hub:        hub,
		Interrupts: interruptManager,
		Lock:       deviceLock,
	})

	if err := controlLoop.Run(ctx); err != nil && ctx.Err() == nil {
		loggerManager.LogError(err, "control loop")
	}
	loggerManager.Info("rokbot stopped")
}

// loadIdleReference seeds the navigator's idle similarity check from a
// previously saved idle frame, when one exists.
func loadIdleReference(nav *navigator.Navigator, path string, loggerManager *logger.LoggerManager) {
	if path == "" {
		return
	}
	mat := gocv.IMRead(path, gocv.IMReadColor)
	if mat.Empty() {
		loggerManager.Warn("no idle reference at %s; use the capture_idle command to create one", path)
		return
	}
	defer mat.Close()

	if mat.Cols() != screen.CanvasWidth || mat.Rows() != screen.CanvasHeight {
		resized := gocv.NewMat()
		gocv.Resize(mat, &resized, image.Pt(screen.CanvasWidth, screen.CanvasHeight), 0, 0, gocv.InterpolationLinear)
		mat.Close()
		mat = resized
	}
	nav.SetIdleReference(mat)
	loggerManager.Info("idle reference loaded from %s", path)
}

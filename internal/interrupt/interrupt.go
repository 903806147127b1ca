package interrupt

import (
	"sync/atomic"

	"rokbot/internal/logger"

	"github.com/moutend/go-hook/pkg/keyboard"
	"github.com/moutend/go-hook/pkg/types"
)

// InterruptManager watches global hotkeys so the operator can stop or
// pause the bot without focusing its console. The monitor only signals;
// the control loop decides what to do with the signal.
//
//	F9  - toggle pause
//	F10 - stop the current operation
type InterruptManager struct {
	stopChan      chan bool
	pauseChan     chan bool
	isBotRunning  atomic.Bool
	loggerManager *logger.LoggerManager
}

// NewInterruptManager creates a hotkey monitor.
func NewInterruptManager(loggerManager *logger.LoggerManager) *InterruptManager {
	return &InterruptManager{
		stopChan:      make(chan bool, 1),
		pauseChan:     make(chan bool, 1),
		loggerManager: loggerManager,
	}
}

// StartMonitoring installs the keyboard hook in the background.
func (im *InterruptManager) StartMonitoring() {
	go im.monitorHotkeys()
}

// StopChan signals when the operator pressed the stop hotkey.
func (im *InterruptManager) StopChan() <-chan bool {
	return im.stopChan
}

// PauseChan signals when the operator pressed the pause hotkey.
func (im *InterruptManager) PauseChan() <-chan bool {
	return im.pauseChan
}

// SetBotRunning marks whether an operation is in flight. Stop presses
// while nothing runs are dropped. Written by the control loop and read
// by the hook goroutine.
func (im *InterruptManager) SetBotRunning(running bool) {
	im.isBotRunning.Store(running)
}

// IsBotRunning reports whether an operation is in flight.
func (im *InterruptManager) IsBotRunning() bool {
	return im.isBotRunning.Load()
}

func (im *InterruptManager) monitorHotkeys() {
	eventChan := make(chan types.KeyboardEvent, 100)
	go keyboard.Install(nil, eventChan)
	defer keyboard.Uninstall()

	for event := range eventChan {
		if event.Message != types.WM_KEYDOWN {
			continue
		}
		switch event.VKCode {
		case types.VK_F9:
			im.loggerManager.Info("pause hotkey pressed")
			select {
			case im.pauseChan <- true:
			default:
			}
		case types.VK_F10:
			if im.isBotRunning.Load() {
				im.loggerManager.Info("stop hotkey pressed")
				select {
				case im.stopChan <- true:
				default:
				}
			}
		}
	}
}

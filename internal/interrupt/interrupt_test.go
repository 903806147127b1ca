package interrupt

import (
	"sync"
	"testing"

	"rokbot/internal/logger"
)

// The running flag is written by the control loop and read by the hook
// goroutine, so it must be safe under concurrent access.
func TestBotRunningFlagConcurrentAccess(t *testing.T) {
	lm, err := logger.NewLoggerManager(t.TempDir() + "/test.log")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	defer lm.Close()

	im := NewInterruptManager(lm)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				im.SetBotRunning(j%2 == 0)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				im.IsBotRunning()
			}
		}()
	}
	wg.Wait()

	im.SetBotRunning(true)
	if !im.IsBotRunning() {
		t.Error("flag lost a write")
	}
	im.SetBotRunning(false)
	if im.IsBotRunning() {
		t.Error("flag did not clear")
	}
}

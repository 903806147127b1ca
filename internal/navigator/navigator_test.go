package navigator

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"rokbot/internal/device"
	"rokbot/internal/logger"
	"rokbot/internal/screen"
	"rokbot/internal/vision"
)

type fakeController struct {
	ops []string
}

func (f *fakeController) Tap(_ context.Context, x, y int) error {
	f.ops = append(f.ops, fmt.Sprintf("tap:%d,%d", x, y))
	return nil
}

func (f *fakeController) Key(_ context.Context, code device.KeyCode) error {
	f.ops = append(f.ops, fmt.Sprintf("key:%d", int(code)))
	return nil
}

func (f *fakeController) TypeText(_ context.Context, text string) error {
	f.ops = append(f.ops, "type:"+text)
	return nil
}

func (f *fakeController) Screenshot(context.Context) ([]byte, error) {
	return nil, fmt.Errorf("not supported")
}

func (f *fakeController) taps() []string {
	var out []string
	for _, op := range f.ops {
		if len(op) > 4 && op[:4] == "tap:" {
			out = append(out, op)
		}
	}
	return out
}

type fakeSource struct {
	captures int
}

func (f *fakeSource) Capture(context.Context) (screen.Frame, error) {
	f.captures++
	m := gocv.NewMatWithSize(18, 32, gocv.MatTypeCV8UC3)
	return screen.Frame{Image: m, CapturedAt: time.Now()}, nil
}

// fakeDetector plays back a scripted sequence of states, repeating the
// last one.
type fakeDetector struct {
	states []vision.GameState
	calls  int
}

func (f *fakeDetector) Detect(gocv.Mat) vision.StateDetectionResult {
	idx := f.calls
	if idx >= len(f.states) {
		idx = len(f.states) - 1
	}
	f.calls++
	return vision.StateDetectionResult{State: f.states[idx], Confidence: 0.9}
}

func newTestNavigator(t *testing.T, detector Detector) (*Navigator, *fakeController) {
	t.Helper()
	lm, err := logger.NewLoggerManager(t.TempDir() + "/test.log")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	t.Cleanup(func() { lm.Close() })

	controller := &fakeController{}
	n := NewNavigator(controller, &fakeSource{}, detector, lm)
	n.sleep = func(time.Duration) {}
	t.Cleanup(n.Close)
	return n, controller
}

func TestRecoverToImmediateSuccess(t *testing.T) {
	detector := &fakeDetector{states: []vision.GameState{vision.StateIdleMap}}
	n, controller := newTestNavigator(t, detector)

	if !n.RecoverTo(context.Background(), vision.StateIdleMap, 5) {
		t.Fatal("should succeed on first classification")
	}
	if len(controller.ops) != 0 {
		t.Errorf("no actions expected, got %v", controller.ops)
	}
}

func TestRecoverToActsOnCurrentState(t *testing.T) {
	detector := &fakeDetector{states: []vision.GameState{
		vision.StateGovernorProfile, vision.StateIdleMap,
	}}
	n, controller := newTestNavigator(t, detector)

	if !n.RecoverTo(context.Background(), vision.StateIdleMap, 5) {
		t.Fatal("recovery should succeed")
	}
	want := fmt.Sprintf("tap:%d,%d", screen.ProfileClosePos.X, screen.ProfileClosePos.Y)
	if len(controller.ops) != 1 || controller.ops[0] != want {
		t.Errorf("ops = %v, want [%s]", controller.ops, want)
	}
}

// The attempt budget bounds the loop no matter what the classifier says.
func TestRecoverToTerminates(t *testing.T) {
	detector := &fakeDetector{states: []vision.GameState{vision.StateGovernorProfile}}
	n, controller := newTestNavigator(t, detector)

	if n.RecoverTo(context.Background(), vision.StateIdleMap, 3) {
		t.Fatal("recovery cannot succeed here")
	}
	if got := len(controller.taps()); got != 3 {
		t.Errorf("expected exactly 3 close taps (one per attempt), got %d: %v", got, controller.ops)
	}
}

func TestRecoverToCancelledContext(t *testing.T) {
	detector := &fakeDetector{states: []vision.GameState{vision.StateUnknown}}
	n, controller := newTestNavigator(t, detector)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if n.RecoverTo(ctx, vision.StateIdleMap, 5) {
		t.Fatal("cancelled recovery must fail")
	}
	if len(controller.ops) != 0 {
		t.Errorf("no actions after cancellation, got %v", controller.ops)
	}
}

// After an escape that opens the exit dialog, the very next device
// action must be the dialog's cancel tap.
func TestEscapeGuardCancelsExitDialog(t *testing.T) {
	detector := &fakeDetector{states: []vision.GameState{vision.StateExitMenu}}
	n, controller := newTestNavigator(t, detector)

	if err := n.GuardedKey(context.Background(), device.KeyEscape); err != nil {
		t.Fatalf("GuardedKey: %v", err)
	}

	want := []string{
		fmt.Sprintf("key:%d", int(device.KeyEscape)),
		fmt.Sprintf("tap:%d,%d", screen.ExitCancelPos.X, screen.ExitCancelPos.Y),
	}
	if len(controller.ops) != 2 || controller.ops[0] != want[0] || controller.ops[1] != want[1] {
		t.Errorf("ops = %v, want %v", controller.ops, want)
	}
}

func TestEscapeGuardNoDialogNoTap(t *testing.T) {
	detector := &fakeDetector{states: []vision.GameState{vision.StateIdleMap}}
	n, controller := newTestNavigator(t, detector)

	if err := n.GuardedKey(context.Background(), device.KeyEscape); err != nil {
		t.Fatal(err)
	}
	if len(controller.ops) != 1 {
		t.Errorf("only the key press expected, got %v", controller.ops)
	}
}

func TestGuardSkipsNonEscapeKeys(t *testing.T) {
	detector := &fakeDetector{states: []vision.GameState{vision.StateExitMenu}}
	source := &fakeSource{}
	lm, _ := logger.NewLoggerManager(t.TempDir() + "/test.log")
	defer lm.Close()
	controller := &fakeController{}
	n := NewNavigator(controller, source, detector, lm)
	n.sleep = func(time.Duration) {}
	defer n.Close()

	if err := n.GuardedKey(context.Background(), device.KeyEnter); err != nil {
		t.Fatal(err)
	}
	if source.captures != 0 {
		t.Error("non-escape keys must not trigger a guard capture")
	}
}

func TestEveryStateHasRecoveryAction(t *testing.T) {
	all := []vision.GameState{
		vision.StateIdleMap, vision.StateMapCityView, vision.StateMapSearching,
		vision.StateGovernorProfile, vision.StateGovernorMoreInfo, vision.StateGovernorKills, vision.StateOwnProfile,
		vision.StateRankingsPower, vision.StateRankingsKillPoints, vision.StateRankingsAlliance, vision.StateRankingsCityHall,
		vision.StateAlliancePanel, vision.StateAllianceMembers, vision.StateAllianceTerritory,
		vision.StateBottomMenu, vision.StateSettings, vision.StateMail, vision.StateChatExpanded, vision.StateChatCollapsed,
		vision.StateExitMenu, vision.StateConfirmationPopup, vision.StateTitlePopup,
		vision.StateEventPopup, vision.StateStorePopup, vision.StateRewardPopup,
		vision.StateConnectionError, vision.StateLoadingScreen, vision.StateBlackScreen, vision.StateFrozen,
		vision.StateUnknown, vision.StateTransitioning,
	}
	for _, state := range all {
		if _, ok := recoveryActions[state]; !ok {
			t.Errorf("state %s has no explicit recovery action", state)
		}
	}

	// The exit menu action must be the cancel tap, nothing else.
	a := RecoveryAction(vision.StateExitMenu)
	if a.Type != ActionTap || a.X != screen.ExitCancelPos.X || a.Y != screen.ExitCancelPos.Y {
		t.Errorf("exit menu recovery must tap cancel, got %+v", a)
	}
}

func TestIdleSimilarityReference(t *testing.T) {
	detector := &fakeDetector{states: []vision.GameState{vision.StateUnknown}}
	n, _ := newTestNavigator(t, detector)

	frame := gocv.NewMatWithSize(screen.CanvasHeight, screen.CanvasWidth, gocv.MatTypeCV8UC3)
	defer frame.Close()
	frame.SetTo(gocv.NewScalar(90, 120, 150, 0))
	// Structure inside the reference window so correlation is defined.
	patch := frame.Region(image.Rect(500, 50, 700, 150))
	patch.SetTo(gocv.NewScalar(220, 40, 40, 0))
	patch.Close()
	patch = frame.Region(image.Rect(800, 180, 1000, 300))
	patch.SetTo(gocv.NewScalar(30, 200, 90, 0))
	patch.Close()

	if _, ok := n.IdleSimilarity(frame); ok {
		t.Fatal("similarity without a reference must report ok=false")
	}

	n.SetIdleReference(frame)
	score, ok := n.IdleSimilarity(frame)
	if !ok || score < IdleSimilarityThreshold {
		t.Errorf("self similarity = %v (ok=%v), want >= %v", score, ok, IdleSimilarityThreshold)
	}
	if !n.IsAtIdle(frame) {
		t.Error("matching reference should count as idle even when the classifier is unsure")
	}
}

// canvasSource serves clones of one prepared full-size frame.
type canvasSource struct {
	frame gocv.Mat
}

func (c *canvasSource) Capture(context.Context) (screen.Frame, error) {
	return screen.Frame{Image: c.frame.Clone(), CapturedAt: time.Now()}, nil
}

// seqSource plays back a fixed frame sequence, repeating the last one.
type seqSource struct {
	frames []gocv.Mat
	i      int
}

func (s *seqSource) Capture(context.Context) (screen.Frame, error) {
	idx := s.i
	if idx >= len(s.frames) {
		idx = len(s.frames) - 1
	}
	s.i++
	return screen.Frame{Image: s.frames[idx].Clone(), CapturedAt: time.Now()}, nil
}

func newCanvas(t *testing.T, b, g, r float64) gocv.Mat {
	t.Helper()
	m := gocv.NewMatWithSize(screen.CanvasHeight, screen.CanvasWidth, gocv.MatTypeCV8UC3)
	m.SetTo(gocv.NewScalar(b, g, r, 0))
	t.Cleanup(func() { m.Close() })
	return m
}

func drawX(m gocv.Mat, at image.Point) {
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	gocv.Line(&m, image.Pt(at.X-15, at.Y-15), image.Pt(at.X+15, at.Y+15), white, 3)
	gocv.Line(&m, image.Pt(at.X-15, at.Y+15), image.Pt(at.X+15, at.Y-15), white, 3)
}

func TestFindXButton(t *testing.T) {
	frame := newCanvas(t, 40, 40, 40)
	if _, found := FindXButton(frame); found {
		t.Error("flat frame must not produce an X candidate")
	}

	want := screen.KnownClosePositions["title_popup"]
	drawX(frame, want)
	pos, found := FindXButton(frame)
	if !found || pos != want {
		t.Errorf("FindXButton = %v (found=%v), want %v", pos, found, want)
	}
}

// A popup the classifier names is closed at its known X position.
func TestClosePopupUsesKnownPosition(t *testing.T) {
	detector := &fakeDetector{states: []vision.GameState{
		vision.StateTitlePopup, vision.StateIdleMap,
	}}
	lm, _ := logger.NewLoggerManager(t.TempDir() + "/test.log")
	defer lm.Close()

	before := newCanvas(t, 40, 40, 40)
	after := newCanvas(t, 200, 200, 200)
	controller := &fakeController{}
	n := NewNavigator(controller, &seqSource{frames: []gocv.Mat{before, after}}, detector, lm)
	n.sleep = func(time.Duration) {}
	defer n.Close()

	if !n.ClosePopup(context.Background(), 3) {
		t.Fatal("popup should close on the known X position")
	}
	want := fmt.Sprintf("tap:%d,%d", screen.KnownClosePositions["title_popup"].X, screen.KnownClosePositions["title_popup"].Y)
	if taps := controller.taps(); len(taps) != 1 || taps[0] != want {
		t.Errorf("taps = %v, want [%s]", taps, want)
	}
}

// A popup with no table entry falls to the progressive chain inside
// RecoverTo, where the edge scan finds and taps the X glyph.
func TestRecoverToClosesDriftedPopup(t *testing.T) {
	detector := &fakeDetector{states: []vision.GameState{
		vision.StateEventPopup, vision.StateEventPopup,
		vision.StateIdleMap, vision.StateIdleMap,
	}}
	lm, _ := logger.NewLoggerManager(t.TempDir() + "/test.log")
	defer lm.Close()

	xPos := screen.KnownClosePositions["small_popup"]
	popup := newCanvas(t, 40, 40, 40)
	drawX(popup, xPos)
	mapView := newCanvas(t, 200, 200, 200)

	controller := &fakeController{}
	n := NewNavigator(controller, &seqSource{frames: []gocv.Mat{popup, popup, popup, mapView}}, detector, lm)
	n.sleep = func(time.Duration) {}
	defer n.Close()

	if !n.RecoverTo(context.Background(), vision.StateIdleMap, 3) {
		t.Fatal("recovery through the popup should succeed")
	}
	want := fmt.Sprintf("tap:%d,%d", xPos.X, xPos.Y)
	if taps := controller.taps(); len(taps) != 1 || taps[0] != want {
		t.Errorf("taps = %v, want [%s]", taps, want)
	}
}

// A frame the classifier cannot name but that still resembles the idle
// reference is accepted once the attempt budget runs out.
func TestRecoverToNearIdleLastResort(t *testing.T) {
	detector := &fakeDetector{states: []vision.GameState{vision.StateUnknown}}
	lm, err := logger.NewLoggerManager(t.TempDir() + "/test.log")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	defer lm.Close()

	frame := gocv.NewMatWithSize(screen.CanvasHeight, screen.CanvasWidth, gocv.MatTypeCV8UC3)
	defer frame.Close()
	frame.SetTo(gocv.NewScalar(90, 120, 150, 0))
	patch := frame.Region(image.Rect(500, 50, 700, 150))
	patch.SetTo(gocv.NewScalar(220, 40, 40, 0))
	patch.Close()
	patch = frame.Region(image.Rect(800, 180, 1000, 300))
	patch.SetTo(gocv.NewScalar(30, 200, 90, 0))
	patch.Close()

	controller := &fakeController{}
	n := NewNavigator(controller, &canvasSource{frame: frame}, detector, lm)
	n.sleep = func(time.Duration) {}
	defer n.Close()

	if n.RecoverTo(context.Background(), vision.StateIdleMap, 2) {
		t.Fatal("without a reference the unknown state must not pass")
	}

	n.SetIdleReference(frame)
	detector.calls = 0
	if !n.RecoverTo(context.Background(), vision.StateIdleMap, 2) {
		t.Fatal("near-idle frame should be accepted after the budget runs out")
	}
}

func TestScreenHash(t *testing.T) {
	a := gocv.NewMatWithSize(screen.CanvasHeight, screen.CanvasWidth, gocv.MatTypeCV8UC3)
	defer a.Close()
	a.SetTo(gocv.NewScalar(10, 20, 30, 0))

	h1 := ScreenHash(a)
	h2 := ScreenHash(a)
	if h1 != h2 {
		t.Errorf("hash not stable: %s vs %s", h1, h2)
	}
	if len(h1) != 16 {
		t.Errorf("hash length = %d, want 16", len(h1))
	}

	b := gocv.NewMatWithSize(screen.CanvasHeight, screen.CanvasWidth, gocv.MatTypeCV8UC3)
	defer b.Close()
	b.SetTo(gocv.NewScalar(200, 200, 200, 0))
	if ScreenHash(b) == h1 {
		t.Error("different frames should hash differently")
	}
}

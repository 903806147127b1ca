// Package navigator drives the game back to known screens. It wraps the
// classifier's verdicts in a bounded classify-act-reclassify loop and
// guards every escape key press against the exit dialog.
package navigator

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"image"
	"time"

	"gocv.io/x/gocv"

	"rokbot/internal/device"
	"rokbot/internal/logger"
	"rokbot/internal/screen"
	"rokbot/internal/vision"
)

const (
	// IdleSimilarityThreshold accepts a frame as idle when its reference
	// window correlates this strongly with the stored idle reference.
	IdleSimilarityThreshold = 0.85
	// IdleSimilarityFloor is the last-resort acceptance bound used only
	// after close strategies are exhausted.
	IdleSimilarityFloor = 0.4

	settleDelay = 500 * time.Millisecond
)

// Detector classifies frames. *vision.Classifier satisfies it.
type Detector interface {
	Detect(frame gocv.Mat) vision.StateDetectionResult
}

// Navigator executes recovery actions against a device until a goal
// state is reached.
type Navigator struct {
	device    device.Controller
	source    screen.FrameSource
	detector  Detector
	logger    *logger.LoggerManager

	idleRef gocv.Mat

	// sleep is swappable so tests run without real delays.
	sleep func(time.Duration)
}

// NewNavigator wires the navigator to its collaborators.
func NewNavigator(controller device.Controller, source screen.FrameSource, detector Detector, loggerManager *logger.LoggerManager) *Navigator {
	return &Navigator{
		device:   controller,
		source:   source,
		detector: detector,
		logger:   loggerManager,
		idleRef:  gocv.NewMat(),
		sleep:    time.Sleep,
	}
}

// Close releases the idle reference.
func (n *Navigator) Close() {
	n.idleRef.Close()
}

// RecoverTo classifies, acts, and reclassifies until the goal state
// shows up or the attempt budget runs out. Budget exhaustion is a
// normal false return, not an error.
func (n *Navigator) RecoverTo(ctx context.Context, goal vision.GameState, maxAttempts int) bool {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return false
		}

		frame, err := n.source.Capture(ctx)
		if err != nil {
			n.logger.LogError(err, "recovery capture")
			n.sleep(time.Second)
			continue
		}
		result := n.detector.Detect(frame.Image)
		frame.Close()

		n.logger.Info("recovery %d/%d: state=%s conf=%.2f", attempt, maxAttempts, result.State, result.Confidence)

		if result.State == goal {
			return true
		}

		// Popups get the progressive close chain; its strategies beat
		// the single table action when the popup has drifted. The exit
		// dialog stays on its explicit cancel tap: a back key there
		// could land on the quit button.
		if vision.IsPopupState(result.State) && result.State != vision.StateExitMenu {
			if n.ClosePopup(ctx, 1) {
				n.sleep(settleDelay)
				continue
			}
		}

		action := RecoveryAction(result.State)
		if err := n.Execute(ctx, action); err != nil {
			n.logger.LogError(err, "recovery action "+action.Description)
		}
		n.sleep(settleDelay)
	}

	// Last resort: a frame the classifier cannot name may still be the
	// map under a stray overlay. Accept it only for the idle goal and
	// only above the floor.
	if goal == vision.StateIdleMap && ctx.Err() == nil {
		if frame, err := n.source.Capture(ctx); err == nil {
			score, ok := n.IdleSimilarity(frame.Image)
			frame.Close()
			if ok && score >= IdleSimilarityFloor {
				n.logger.Warn("accepting near-idle frame at similarity %.2f", score)
				return true
			}
		}
	}

	n.logger.Warn("failed to reach %s after %d attempts", goal, maxAttempts)
	return false
}

// Execute runs one recovery action. Key presses route through the
// escape guard.
func (n *Navigator) Execute(ctx context.Context, action Action) error {
	switch action.Type {
	case ActionTap:
		return n.device.Tap(ctx, action.X, action.Y)
	case ActionWait:
		n.sleep(action.Duration)
		return nil
	case ActionKey:
		return n.GuardedKey(ctx, action.Code)
	case ActionSequence:
		for _, step := range action.Steps {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var err error
			switch step.Type {
			case ActionTap:
				err = n.device.Tap(ctx, step.X, step.Y)
			case ActionWait:
				n.sleep(step.Duration)
			case ActionKey:
				err = n.GuardedKey(ctx, step.Code)
			}
			if err != nil {
				return err
			}
		}
		return nil
	case ActionReady:
		return nil
	}
	return nil
}

// GuardedKey sends a key and, for escape-like keys, immediately checks
// whether the exit dialog opened; if it did, the next action is always
// the dialog's cancel tap. An unguarded escape on the map opens a
// dialog whose confirm button quits the game.
func (n *Navigator) GuardedKey(ctx context.Context, code device.KeyCode) error {
	if err := n.device.Key(ctx, code); err != nil {
		return err
	}
	if code != device.KeyEscape && code != device.KeyBack {
		return nil
	}

	n.sleep(300 * time.Millisecond)
	frame, err := n.source.Capture(ctx)
	if err != nil {
		// No frame, no guard possible; recovery loop re-checks next cycle.
		n.logger.LogError(err, "escape guard capture")
		return nil
	}
	defer frame.Close()

	if n.detector.Detect(frame.Image).State == vision.StateExitMenu {
		n.logger.Warn("escape opened the exit dialog, cancelling it")
		return n.device.Tap(ctx, screen.ExitCancelPos.X, screen.ExitCancelPos.Y)
	}
	return nil
}

// SetIdleReference stores the reference window crop of a confirmed idle
// frame for similarity checks.
func (n *Navigator) SetIdleReference(frame gocv.Mat) {
	crop := screen.IdleReferenceWindow.Crop(frame)
	defer crop.Close()
	n.idleRef.Close()
	n.idleRef = crop.Clone()
}

// IdleSimilarity scores how closely the frame's reference window
// matches the stored idle reference. Returns 0 with ok=false when no
// reference has been captured yet.
func (n *Navigator) IdleSimilarity(frame gocv.Mat) (float64, bool) {
	if n.idleRef.Empty() {
		return 0, false
	}
	crop := screen.IdleReferenceWindow.Crop(frame)
	defer crop.Close()
	return vision.Similarity(crop, n.idleRef), true
}

// IsAtIdle combines the discrete classifier with the reference
// similarity check.
func (n *Navigator) IsAtIdle(frame gocv.Mat) bool {
	if n.detector.Detect(frame).State == vision.StateIdleMap {
		return true
	}
	if score, ok := n.IdleSimilarity(frame); ok && score >= IdleSimilarityThreshold {
		return true
	}
	return false
}

// ScreenHash fingerprints a frame for change detection. Downscaling
// first makes the hash stable against noise.
func ScreenHash(frame gocv.Mat) string {
	small := gocv.NewMat()
	defer small.Close()
	gocv.Resize(frame, &small, image.Pt(32, 18), 0, 0, gocv.InterpolationLinear)
	sum := md5.Sum(small.ToBytes())
	return hex.EncodeToString(sum[:])[:16]
}

// xButtonEdgeMin is the minimum Canny edge density inside a candidate
// close-button window for it to count as an X glyph.
const xButtonEdgeMin = 0.06

// FindXButton scans the known close-button windows for the dense edge
// cluster an X glyph leaves and returns the densest candidate. Flat
// popup chrome scores near zero, so misses are cheap.
func FindXButton(frame gocv.Mat) (image.Point, bool) {
	if frame.Empty() {
		return image.Point{}, false
	}

	gray := gocv.NewMat()
	defer gray.Close()
	if frame.Channels() > 1 {
		gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)
	} else {
		frame.CopyTo(&gray)
	}
	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(gray, &edges, 50, 150)

	bounds := image.Rect(0, 0, frame.Cols(), frame.Rows())
	var best image.Point
	bestDensity := 0.0
	for _, pos := range screen.KnownClosePositions {
		window := image.Rect(pos.X-20, pos.Y-20, pos.X+20, pos.Y+20).Intersect(bounds)
		if window.Empty() {
			continue
		}
		region := edges.Region(window)
		density := float64(gocv.CountNonZero(region)) / float64(window.Dx()*window.Dy())
		region.Close()
		if density > bestDensity {
			bestDensity = density
			best = pos
		}
	}
	if bestDensity >= xButtonEdgeMin {
		return best, true
	}
	return image.Point{}, false
}

// ClosePopup runs progressively cruder close strategies until the
// screen changes: the state's own close position, an edge-density scan
// for an X glyph, the guarded back key, then taps on empty map areas.
func (n *Navigator) ClosePopup(ctx context.Context, maxAttempts int) bool {
	frame, err := n.source.Capture(ctx)
	if err != nil {
		n.logger.LogError(err, "close popup capture")
		return false
	}
	hash := ScreenHash(frame.Image)
	state := n.detector.Detect(frame.Image).State
	frame.Close()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		n.logger.Debug("close attempt %d/%d, state=%s", attempt, maxAttempts, state)

		// Strategy 1: the close position known for this popup.
		if pos, ok := screen.KnownClosePositions[stateCloseKeys[state]]; ok {
			if err := n.device.Tap(ctx, pos.X, pos.Y); err == nil {
				n.sleep(600 * time.Millisecond)
				if changed, newHash, newState := n.screenChanged(ctx, hash); changed {
					hash, state = newHash, newState
					if !vision.IsPopupState(state) && state != vision.StateGovernorProfile {
						return true
					}
					continue
				}
			}
		}

		// Strategy 2: an X glyph found by edge density.
		if frame, err := n.source.Capture(ctx); err == nil {
			pos, found := FindXButton(frame.Image)
			frame.Close()
			if found {
				if err := n.device.Tap(ctx, pos.X, pos.Y); err == nil {
					n.sleep(600 * time.Millisecond)
					if changed, newHash, newState := n.screenChanged(ctx, hash); changed {
						hash, state = newHash, newState
						if !vision.IsPopupState(state) && state != vision.StateGovernorProfile {
							return true
						}
						continue
					}
				}
			}
		}

		// Strategy 3: guarded back key.
		if err := n.GuardedKey(ctx, device.KeyBack); err == nil {
			n.sleep(600 * time.Millisecond)
			if changed, newHash, newState := n.screenChanged(ctx, hash); changed {
				hash, state = newHash, newState
				if !vision.IsPopupState(state) && state != vision.StateGovernorProfile {
					return true
				}
				continue
			}
		}

		// Strategy 4: taps outside the popup.
		for _, pos := range screen.OutsideTapPositions {
			if err := n.device.Tap(ctx, pos.X, pos.Y); err != nil {
				continue
			}
			n.sleep(400 * time.Millisecond)
			if changed, newHash, newState := n.screenChanged(ctx, hash); changed {
				hash, state = newHash, newState
				break
			}
		}
	}

	n.logger.Warn("could not close popup after %d attempts", maxAttempts)
	return false
}

// stateCloseKeys resolves a classified state to its entry in the known
// close-position table.
var stateCloseKeys = map[vision.GameState]string{
	vision.StateTitlePopup:        "title_popup",
	vision.StateGovernorProfile:   "player_popup",
	vision.StateOwnProfile:        "player_popup",
	vision.StateAlliancePanel:     "alliance_panel",
	vision.StateAllianceMembers:   "alliance_panel",
	vision.StateConfirmationPopup: "confirmation",
	vision.StateChatExpanded:      "chat_close",
	vision.StateUnknown:           "generic_popup_1",
}

func (n *Navigator) screenChanged(ctx context.Context, oldHash string) (bool, string, vision.GameState) {
	frame, err := n.source.Capture(ctx)
	if err != nil {
		return false, oldHash, vision.StateUnknown
	}
	defer frame.Close()
	newHash := ScreenHash(frame.Image)
	if newHash == oldHash {
		return false, oldHash, vision.StateUnknown
	}
	return true, newHash, n.detector.Detect(frame.Image).State
}

// OpenChat taps the chat bar on the map.
func (n *Navigator) OpenChat(ctx context.Context) error {
	if err := n.device.Tap(ctx, screen.ChatOpenPos.X, screen.ChatOpenPos.Y); err != nil {
		return err
	}
	n.sleep(settleDelay)
	return nil
}

// ExpandChat opens the full-height chat panel.
func (n *Navigator) ExpandChat(ctx context.Context) error {
	if err := n.device.Tap(ctx, screen.ChatExpandPos.X, screen.ChatExpandPos.Y); err != nil {
		return err
	}
	n.sleep(settleDelay)
	return nil
}

// CollapseChat shrinks the chat panel back to the corner ticker.
func (n *Navigator) CollapseChat(ctx context.Context) error {
	if err := n.device.Tap(ctx, screen.ChatCollapsePos.X, screen.ChatCollapsePos.Y); err != nil {
		return err
	}
	n.sleep(settleDelay)
	return nil
}

package vision

import (
	"gocv.io/x/gocv"

	"rokbot/internal/logger"
	"rokbot/internal/screen"
)

// GameState identifies what the captured frame is showing.
type GameState string

const (
	// Map states.
	StateIdleMap      GameState = "idle_map"
	StateMapCityView  GameState = "map_city_view"
	StateMapSearching GameState = "map_searching"

	// Profile states.
	StateGovernorProfile  GameState = "governor_profile"
	StateGovernorMoreInfo GameState = "governor_more_info"
	StateGovernorKills    GameState = "governor_kills"
	StateOwnProfile       GameState = "own_profile"

	// Rankings states.
	StateRankingsPower      GameState = "rankings_power"
	StateRankingsKillPoints GameState = "rankings_killpoints"
	StateRankingsAlliance   GameState = "rankings_alliance"
	StateRankingsCityHall   GameState = "rankings_city_hall"

	// Alliance states.
	StateAlliancePanel     GameState = "alliance_panel"
	StateAllianceMembers   GameState = "alliance_members"
	StateAllianceTerritory GameState = "alliance_territory"

	// Menu states.
	StateBottomMenu    GameState = "bottom_menu"
	StateSettings      GameState = "settings"
	StateMail          GameState = "mail"
	StateChatExpanded  GameState = "chat_expanded"
	StateChatCollapsed GameState = "chat_collapsed"

	// Popup states.
	StateExitMenu          GameState = "exit_menu"
	StateConfirmationPopup GameState = "confirmation_popup"
	StateTitlePopup        GameState = "title_popup"
	StateEventPopup        GameState = "event_popup"
	StateStorePopup        GameState = "store_popup"
	StateRewardPopup       GameState = "reward_popup"

	// Error states.
	StateConnectionError GameState = "connection_error"
	StateLoadingScreen   GameState = "loading_screen"
	StateBlackScreen     GameState = "black_screen"
	StateFrozen          GameState = "frozen"

	// Special states.
	StateUnknown       GameState = "unknown"
	StateTransitioning GameState = "transitioning"
)

// StateDetectionResult is the outcome of classifying one frame.
type StateDetectionResult struct {
	State           GameState
	Confidence      float64
	Details         map[string]any
	SuggestedAction string
	RecoverySteps   []string
}

// IsErrorState reports whether the state requires recovery before the
// bot can continue.
func IsErrorState(s GameState) bool {
	switch s {
	case StateConnectionError, StateBlackScreen, StateFrozen, StateUnknown:
		return true
	}
	return false
}

// IsPopupState reports whether the state is a popup that must be
// dismissed.
func IsPopupState(s GameState) bool {
	switch s {
	case StateExitMenu, StateConfirmationPopup, StateEventPopup, StateRewardPopup, StateStorePopup, StateTitlePopup:
		return true
	}
	return false
}

// Regions the classifier samples beyond the shared screen layout.
var (
	exitPopupBox    = screen.Region{Name: "exit_popup_box", X: 450, Y: 200, Width: 400, Height: 300}
	rankingsList    = screen.Region{Name: "rankings_list", X: 300, Y: 250, Width: 1000, Height: 350}
	chatExpandedBox = screen.Region{Name: "chat_expanded_box", X: 50, Y: 100, Width: 350, Height: 400}
	bottomLeftBox   = screen.Region{Name: "bottom_left", X: 0, Y: 830, Width: 200, Height: 70}
	powerTab        = screen.Region{Name: "rankings_tab_power", X: 300, Y: 140, Width: 100, Height: 40}
	killsTab        = screen.Region{Name: "rankings_tab_kills", X: 450, Y: 140, Width: 100, Height: 40}
)

// Classifier determines the game state from a frame. Checks run in a
// fixed priority order so the result is deterministic for a given
// frame: error screens first, then the exit popup, then panels that
// draw over the map, and the map itself last.
type Classifier struct {
	templates *TemplateLibrary // may be nil: color heuristics still apply
	logger    *logger.LoggerManager
}

// NewClassifier builds a classifier. templates is optional.
func NewClassifier(templates *TemplateLibrary, loggerManager *logger.LoggerManager) *Classifier {
	return &Classifier{templates: templates, logger: loggerManager}
}

// Detect classifies a single frame. The frame must be a BGR canvas-sized Mat.
func (c *Classifier) Detect(frame gocv.Mat) StateDetectionResult {
	if frame.Empty() {
		return StateDetectionResult{
			State:      StateUnknown,
			Confidence: 0,
			Details:    map[string]any{"reason": "empty frame"},
		}
	}

	if c.isBlackScreen(frame) {
		return StateDetectionResult{
			State:           StateBlackScreen,
			Confidence:      0.95,
			Details:         map[string]any{"reason": "screen is mostly black"},
			SuggestedAction: "wait_or_restart",
			RecoverySteps:   []string{"wait 5 seconds", "if still black, restart the game"},
		}
	}

	if c.isLoading(frame) {
		return StateDetectionResult{
			State:           StateLoadingScreen,
			Confidence:      0.85,
			Details:         map[string]any{"reason": "loading indicator detected"},
			SuggestedAction: "wait",
			RecoverySteps:   []string{"wait for loading to complete"},
		}
	}

	if c.isConnectionError(frame) {
		return StateDetectionResult{
			State:           StateConnectionError,
			Confidence:      0.90,
			Details:         map[string]any{"reason": "connection error popup detected"},
			SuggestedAction: "click_ok",
			RecoverySteps:   []string{"tap the OK/Retry button", "wait and retry"},
		}
	}

	// The exit popup is the dangerous one: a stray confirm quits the game.
	if c.isExitMenu(frame) {
		return StateDetectionResult{
			State:           StateExitMenu,
			Confidence:      0.95,
			Details:         map[string]any{"reason": "exit menu detected"},
			SuggestedAction: "click_cancel",
			RecoverySteps:   []string{"tap CANCEL at (779, 457)"},
		}
	}

	// Profile draws over the map, so it must be checked before the map.
	if c.isGovernorProfile(frame) {
		return StateDetectionResult{
			State:           StateGovernorProfile,
			Confidence:      0.85,
			Details:         map[string]any{"reason": "governor profile panel detected"},
			SuggestedAction: "read_stats_or_close",
		}
	}

	if c.isRankingsScreen(frame) {
		tab := c.detectRankingTab(frame)
		return StateDetectionResult{
			State:           tab,
			Confidence:      0.85,
			Details:         map[string]any{"ranking_type": string(tab)},
			SuggestedAction: "continue_scan",
		}
	}

	if c.isOnMap(frame) {
		chatState := StateChatCollapsed
		if c.isChatExpanded(frame) {
			chatState = StateChatExpanded
		}
		return StateDetectionResult{
			State:           StateIdleMap,
			Confidence:      0.80,
			Details:         map[string]any{"chat_state": string(chatState), "bottom_menu_visible": true},
			SuggestedAction: "ready_for_commands",
		}
	}

	return StateDetectionResult{
		State:           StateUnknown,
		Confidence:      0.3,
		Details:         map[string]any{"reason": "no detector matched"},
		SuggestedAction: "try_recovery",
		RecoverySteps: []string{
			"press ESC to close popups",
			"tap empty map areas",
			"if stuck, restart navigation",
		},
	}
}

func (c *Classifier) isBlackScreen(frame gocv.Mat) bool {
	return meanBrightness(frame) < 15
}

func (c *Classifier) isLoading(frame gocv.Mat) bool {
	center := screen.LoadingCenter.Crop(frame)
	defer center.Close()

	// The spinner animates, which shows up as high local variance on an
	// otherwise bright center.
	_, std := grayStats(center)
	return std*std > 2000 && meanBrightness(center) > 100
}

func (c *Classifier) isConnectionError(frame gocv.Mat) bool {
	// Error popups dim the whole screen and leave a brighter box in the
	// center.
	overall := meanBrightness(frame)
	if overall > 100 {
		return false
	}

	center := screen.CenterPopup.Crop(frame)
	defer center.Close()
	centerBrightness := meanBrightness(center)

	if centerBrightness < overall+30 {
		return false
	}
	return centerBrightness > overall*1.5
}

func (c *Classifier) isExitMenu(frame gocv.Mat) bool {
	// Template match is the most reliable signal when the template exists.
	if c.templates != nil && c.templates.Has("exit_menu") {
		if c.templates.Score(frame, "exit_menu") > 0.7 {
			return true
		}
	}

	// Fallback: the tan NOTICE header plus the cyan CANCEL button plus a
	// bright uniform popup box.
	header := screen.ExitMenuHeader.Crop(frame)
	defer header.Close()
	hb, hg, hr := channelMeans(header)
	hasNoticeColor := hb > 60 && hb < 120 && hg > 130 && hg < 200 && hr > 110 && hr < 180

	cancel := screen.ExitCancelBtn.Crop(frame)
	defer cancel.Close()
	cb, cg, cr := channelMeans(cancel)
	hasCancel := cb > 80 && cb < 150 && cg > 150 && cg < 220 && cr > 150 && cr < 220

	box := exitPopupBox.Crop(frame)
	defer box.Close()
	boxMean, boxStd := grayStats(box)
	hasPopupStructure := boxMean > 120 && boxStd < 60

	return hasNoticeColor && hasCancel && hasPopupStructure
}

func (c *Classifier) isGovernorProfile(frame gocv.Mat) bool {
	closeBtn := screen.ProfileCloseX.Crop(frame)
	defer closeBtn.Close()

	// The close X area sits around 138 brightness on the idle map and
	// jumps past 150 when a profile panel is open.
	if meanBrightness(closeBtn) < 145 {
		return false
	}

	panel := screen.ProfilePanel.Crop(frame)
	defer panel.Close()
	panelMean, panelStd := grayStats(panel)
	return panelMean > 100 && panelStd > 30
}

func (c *Classifier) isRankingsScreen(frame gocv.Mat) bool {
	header := screen.RankingsHeader.Crop(frame)
	defer header.Close()
	if goldRatio(header) <= 0.03 {
		return false
	}

	// The rows of player entries give the list area high structure.
	list := rankingsList.Crop(frame)
	defer list.Close()
	_, std := grayStats(list)
	return std > 40
}

func (c *Classifier) detectRankingTab(frame gocv.Mat) GameState {
	// The active tab is rendered brighter than the inactive one.
	power := powerTab.Crop(frame)
	defer power.Close()
	kills := killsTab.Crop(frame)
	defer kills.Close()

	if meanBrightness(kills) > meanBrightness(power) {
		return StateRankingsKillPoints
	}
	return StateRankingsPower
}

func (c *Classifier) isOnMap(frame gocv.Mat) bool {
	bottom := screen.BottomMenu.Crop(frame)
	defer bottom.Close()

	brightness := meanBrightness(bottom)
	variance := colorVariance(bottom)

	// Dark bar with colorful menu icons.
	return brightness > 40 && brightness < 160 && variance > 80
}

func (c *Classifier) isChatExpanded(frame gocv.Mat) bool {
	chat := chatExpandedBox.Crop(frame)
	defer chat.Close()
	b, g, r := channelMeans(chat)
	return b > 40 && g > 40 && r > 40
}

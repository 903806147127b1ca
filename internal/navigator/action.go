package navigator

import (
	"time"

	"rokbot/internal/device"
	"rokbot/internal/screen"
	"rokbot/internal/vision"
)

// ActionType is the closed action vocabulary of the recovery policy.
type ActionType string

const (
	ActionTap      ActionType = "tap"
	ActionWait     ActionType = "wait"
	ActionKey      ActionType = "key"
	ActionSequence ActionType = "sequence"
	ActionReady    ActionType = "ready"
)

// Step is one entry of an escape/tap sequence.
type Step struct {
	Type     ActionType
	X, Y     int
	Code     device.KeyCode
	Duration time.Duration
}

// Action is what the navigator does when it sees a given state.
type Action struct {
	Type        ActionType
	X, Y        int
	Code        device.KeyCode
	Duration    time.Duration
	Steps       []Step
	Description string
}

// escapeSequence is the generic "get me out of here" recovery. Every
// key press in it goes through the exit-dialog guard when executed.
var escapeSequence = Action{
	Type: ActionSequence,
	Steps: []Step{
		{Type: ActionKey, Code: device.KeyEscape},
		{Type: ActionWait, Duration: 300 * time.Millisecond},
		{Type: ActionTap, X: 800, Y: 450},
		{Type: ActionWait, Duration: 300 * time.Millisecond},
	},
	Description: "escape sequence",
}

// recoveryActions maps every game state to its recovery action. States
// missing from the map fall back to the escape sequence.
var recoveryActions = map[vision.GameState]Action{
	vision.StateExitMenu: {
		Type: ActionTap, X: screen.ExitCancelPos.X, Y: screen.ExitCancelPos.Y,
		Description: "tap CANCEL on exit menu",
	},
	vision.StateConnectionError: {
		Type: ActionTap, X: screen.ErrorOKPos.X, Y: screen.ErrorOKPos.Y,
		Description: "tap OK on error popup",
	},
	vision.StateConfirmationPopup: {
		Type: ActionTap, X: 700, Y: 450,
		Description: "tap cancel on confirmation",
	},
	vision.StateTitlePopup: {
		Type: ActionTap, X: 1115, Y: 270,
		Description: "close title popup",
	},
	vision.StateEventPopup:  escapeSequence,
	vision.StateStorePopup:  escapeSequence,
	vision.StateRewardPopup: escapeSequence,

	vision.StateGovernorProfile: {
		Type: ActionTap, X: screen.ProfileClosePos.X, Y: screen.ProfileClosePos.Y,
		Description: "close governor profile",
	},
	vision.StateGovernorMoreInfo: {Type: ActionKey, Code: device.KeyBack, Description: "back out of more info"},
	vision.StateGovernorKills:    {Type: ActionKey, Code: device.KeyBack, Description: "back out of kill stats"},
	vision.StateOwnProfile: {
		Type: ActionTap, X: screen.ProfileClosePos.X, Y: screen.ProfileClosePos.Y,
		Description: "close own profile",
	},

	vision.StateRankingsPower:      {Type: ActionKey, Code: device.KeyBack, Description: "leave rankings"},
	vision.StateRankingsKillPoints: {Type: ActionKey, Code: device.KeyBack, Description: "leave rankings"},
	vision.StateRankingsAlliance:   {Type: ActionKey, Code: device.KeyBack, Description: "leave rankings"},
	vision.StateRankingsCityHall:   {Type: ActionKey, Code: device.KeyBack, Description: "leave rankings"},

	vision.StateAlliancePanel: {
		Type: ActionTap, X: 1210, Y: 140,
		Description: "close alliance panel",
	},
	vision.StateAllianceMembers:   {Type: ActionKey, Code: device.KeyBack, Description: "back to alliance panel"},
	vision.StateAllianceTerritory: {Type: ActionKey, Code: device.KeyBack, Description: "back to alliance panel"},

	vision.StateSettings:      {Type: ActionKey, Code: device.KeyBack, Description: "leave settings"},
	vision.StateMail:          {Type: ActionKey, Code: device.KeyBack, Description: "leave mail"},
	vision.StateBottomMenu:    {Type: ActionKey, Code: device.KeyBack, Description: "dismiss bottom menu"},
	vision.StateMapCityView:   {Type: ActionKey, Code: device.KeyBack, Description: "zoom back out"},
	vision.StateMapSearching:  {Type: ActionKey, Code: device.KeyBack, Description: "close search"},
	vision.StateChatExpanded:  {Type: ActionTap, X: screen.ChatCollapsePos.X, Y: screen.ChatCollapsePos.Y, Description: "collapse chat"},
	vision.StateChatCollapsed: {Type: ActionReady, Description: "chat collapsed, nothing to do"},

	vision.StateLoadingScreen: {Type: ActionWait, Duration: 3 * time.Second, Description: "wait for loading"},
	vision.StateBlackScreen:   {Type: ActionWait, Duration: 5 * time.Second, Description: "wait out black screen"},
	vision.StateFrozen:        {Type: ActionWait, Duration: 5 * time.Second, Description: "wait out frozen screen"},
	vision.StateTransitioning: {Type: ActionWait, Duration: time.Second, Description: "wait for transition"},

	vision.StateIdleMap: {Type: ActionReady, Description: "on map, ready"},
	vision.StateUnknown: escapeSequence,
}

// RecoveryAction returns the action for a state, defaulting to the
// escape sequence for anything unmapped.
func RecoveryAction(state vision.GameState) Action {
	if a, ok := recoveryActions[state]; ok {
		return a
	}
	return escapeSequence
}

package screen

import (
	"image"

	"gocv.io/x/gocv"
)

// The game client renders on a fixed canvas; every region and tap position in
// this package is defined against it.
const (
	CanvasWidth  = 1600
	CanvasHeight = 900
)

// Region is a named rectangle in canvas coordinates. Purely declarative.
type Region struct {
	Name   string
	X      int
	Y      int
	Width  int
	Height int
}

// Rect converts the region to an image.Rectangle.
func (r Region) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Crop returns a view of frame restricted to the region, clamped to the frame
// bounds. The returned Mat shares memory with frame.
func (r Region) Crop(frame gocv.Mat) gocv.Mat {
	rect := r.Rect()
	bounds := image.Rect(0, 0, frame.Cols(), frame.Rows())
	rect = rect.Intersect(bounds)
	if rect.Empty() {
		return gocv.NewMat()
	}
	return frame.Region(rect)
}

// Center returns the canvas coordinates of the region's midpoint.
func (r Region) Center() image.Point {
	return image.Pt(r.X+r.Width/2, r.Y+r.Height/2)
}

// Regions used by the state classifier and the OCR pipeline. Calibrated for
// the 1600x900 canvas.
var (
	BottomMenu     = Region{"bottom_menu", 0, 830, 1600, 70}
	ChatArea       = Region{"chat_area", 0, 0, 400, 300}
	TopRight       = Region{"top_right", 1300, 0, 300, 150}
	CenterPopup    = Region{"center", 500, 250, 600, 400}
	ExitMenuHeader = Region{"exit_menu_header", 550, 200, 200, 80}
	ExitCancelBtn  = Region{"exit_cancel_button", 700, 430, 160, 60}
	RankingsHeader = Region{"rankings_header", 100, 50, 400, 100}
	ProfileCloseX  = Region{"profile_close_x", 1020, 60, 50, 40}
	ProfilePanel   = Region{"profile_panel", 800, 100, 300, 300}
	LoadingCenter  = Region{"loading", 750, 400, 100, 100}

	// Chat text capture. The minimized chat sits bottom-left and shows about
	// three lines; the expanded panel covers the left half.
	ChatMessages         = Region{"chat_messages", 0, 810, 550, 90}
	ChatMessagesWide     = Region{"chat_small_wide", 0, 800, 550, 100}
	ChatMessagesExpanded = Region{"chat_messages_expanded", 0, 0, 700, 850}
	ChatExpandIcon       = Region{"chat_expand_icon", 20, 20, 40, 40}
	ChatCollapseIcon     = Region{"chat_collapse_icon", 430, 20, 40, 40}

	// Idle reference comparison window (top-left quadrant minus the chat).
	IdleReferenceWindow = Region{"idle_reference_window", 450, 0, 700, 350}
)

// ChatScanRegions is the ordered list of regions the chat reader tries for the
// minimized chat; the first region that yields parseable messages wins.
var ChatScanRegions = []Region{
	ChatMessagesWide,
	ChatMessages,
	{"chat_fallback", 160, 580, 350, 110},
}

// Fixed tap positions.
var (
	// ExitCancelPos is the CANCEL button on the "Exit the game?" dialog.
	// Tapped by the escape guard; getting this wrong ends the session.
	ExitCancelPos = image.Pt(779, 457)

	// ErrorOKPos is the OK/Retry button on the connection-error popup.
	ErrorOKPos = image.Pt(800, 500)

	// ProfileClosePos is the X button on the governor profile panel.
	ProfileClosePos = image.Pt(1050, 180)

	// ChatOpenPos, ChatExpandPos and ChatCollapsePos drive the chat panel.
	ChatOpenPos     = image.Pt(300, 850)
	ChatExpandPos   = image.Pt(40, 40)
	ChatCollapsePos = image.Pt(450, 40)
)

// KnownClosePositions are X-button locations for popups the classifier cannot
// name. The navigator tries them in map order during progressive close.
var KnownClosePositions = map[string]image.Point{
	"title_popup":     image.Pt(1115, 270),
	"player_popup":    image.Pt(1050, 180),
	"alliance_panel":  image.Pt(1210, 140),
	"generic_popup_1": image.Pt(1180, 200),
	"generic_popup_2": image.Pt(1200, 180),
	"small_popup":     image.Pt(900, 250),
	"confirmation":    image.Pt(750, 400),
	"chat_close":      image.Pt(390, 200),
}

// OutsideTapPositions close overlay popups that dismiss on a background tap.
var OutsideTapPositions = []image.Point{
	image.Pt(100, 450),
	image.Pt(1500, 450),
	image.Pt(800, 50),
}

package bot

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"rokbot/internal/api"
	"rokbot/internal/chat"
	"rokbot/internal/config"
	"rokbot/internal/interrupt"
	"rokbot/internal/lock"
	"rokbot/internal/logger"
	"rokbot/internal/ocr"
	"rokbot/internal/screen"
	"rokbot/internal/titles"
	"rokbot/internal/vision"
)

// State is the bot's reported operating mode.
type State string

const (
	StateOffline      State = "offline"
	StateIdle         State = "idle"
	StateNavigating   State = "navigating"
	StateGivingTitles State = "giving_titles"
	StateError        State = "error"
)

// Recoverer is the navigator surface the control loop needs.
type Recoverer interface {
	RecoverTo(ctx context.Context, goal vision.GameState, maxAttempts int) bool
	IsAtIdle(frame gocv.Mat) bool
	SetIdleReference(frame gocv.Mat)
	OpenChat(ctx context.Context) error
	ExpandChat(ctx context.Context) error
	CollapseChat(ctx context.Context) error
}

// ChatReader extracts text from one frame region.
type ChatReader interface {
	ReadRegion(frame gocv.Mat, region screen.Region, mode ocr.PreprocessMode) string
}

// Detector classifies one frame.
type Detector interface {
	Detect(frame gocv.Mat) vision.StateDetectionResult
}

// Hub is the remote command/status service the bot answers to.
type Hub interface {
	PollCommand(ctx context.Context) (*api.Command, error)
	UpdateStatus(ctx context.Context, status, message string, progress, total int) error
	FindGovernorID(ctx context.Context, governorName string) (int, error)
	CreateTitleRequest(ctx context.Context, governorID int, governorName, allianceTag, titleType string) (bool, string, error)
	TitleQueue(ctx context.Context, status string, limit int) ([]api.QueueEntry, error)
	RecordGrant(ctx context.Context, playerName, titleType string) error
	SyncTrackingData(ctx context.Context, snapshot titles.Snapshot) error
}

// Deps wires the bot's collaborators.
type Deps struct {
	Config     config.Config
	Logger     *logger.LoggerManager
	Source     screen.FrameSource
	Navigator  Recoverer
	Detector   Detector
	OCR        ChatReader
	Tracker    *titles.Tracker
	Hub        Hub
	Interrupts *interrupt.InterruptManager
	Lock       *lock.DeviceLock
}

// Bot runs the remote-command session: poll a command, execute it, and
// keep the hub informed. Only this loop ever drives the device; the
// stop channels merely cancel the in-flight operation's context.
type Bot struct {
	cfg        config.Config
	logger     *logger.LoggerManager
	source     screen.FrameSource
	nav        Recoverer
	detector   Detector
	ocr        ChatReader
	tracker    *titles.Tracker
	hub        Hub
	interrupts *interrupt.InterruptManager
	deviceLock *lock.DeviceLock

	state  State
	paused atomic.Bool

	opMu     sync.Mutex
	opCancel context.CancelFunc

	sleep func(time.Duration)
	now   func() time.Time
}

// New creates the control loop.
func New(deps Deps) *Bot {
	return &Bot{
		cfg:        deps.Config,
		logger:     deps.Logger,
		source:     deps.Source,
		nav:        deps.Navigator,
		detector:   deps.Detector,
		ocr:        deps.OCR,
		tracker:    deps.Tracker,
		hub:        deps.Hub,
		interrupts: deps.Interrupts,
		deviceLock: deps.Lock,
		state:      StateOffline,
		sleep:      time.Sleep,
		now:        time.Now,
	}
}

// State returns the last reported operating mode.
func (b *Bot) State() State {
	return b.state
}

func (b *Bot) setState(ctx context.Context, state State, message string) {
	b.state = state
	b.logger.Info("state: %s - %s", state, message)
	if err := b.hub.UpdateStatus(ctx, string(state), message, -1, -1); err != nil {
		b.logger.LogError(err, "update status")
	}
}

// StopCurrentOperation cancels the in-flight operation, if any. Safe
// to call from any goroutine; it only cancels, never touches the
// device.
func (b *Bot) StopCurrentOperation() {
	b.opMu.Lock()
	defer b.opMu.Unlock()
	if b.opCancel != nil {
		b.opCancel()
	}
}

func (b *Bot) beginOperation(ctx context.Context) (context.Context, context.CancelFunc) {
	opCtx, cancel := context.WithCancel(ctx)
	b.opMu.Lock()
	b.opCancel = cancel
	b.opMu.Unlock()
	if b.interrupts != nil {
		b.interrupts.SetBotRunning(true)
	}
	return opCtx, func() {
		b.opMu.Lock()
		b.opCancel = nil
		b.opMu.Unlock()
		if b.interrupts != nil {
			b.interrupts.SetBotRunning(false)
		}
		cancel()
	}
}

// Run polls the hub for commands until the context is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	if b.interrupts != nil {
		go b.watchHotkeys(ctx)
	}

	b.setState(ctx, StateIdle, "bot ready and waiting for commands")

	for {
		select {
		case <-ctx.Done():
			b.setState(context.WithoutCancel(ctx), StateOffline, "bot stopped")
			return ctx.Err()
		default:
		}

		if b.deviceLock != nil {
			if err := b.deviceLock.Refresh(); err != nil {
				b.logger.LogError(err, "refresh device lock")
			}
		}

		cmd, err := b.hub.PollCommand(ctx)
		if err != nil {
			b.logger.LogError(err, "poll command")
		} else if cmd != nil {
			b.dispatch(ctx, cmd)
		}

		b.sleep(b.cfg.PollInterval())
	}
}

func (b *Bot) watchHotkeys(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.interrupts.StopChan():
			b.logger.Warn("stop hotkey: cancelling current operation")
			b.StopCurrentOperation()
		case <-b.interrupts.PauseChan():
			b.TogglePause()
		}
	}
}

// TogglePause flips the pause flag. A paused bot keeps polling for
// commands but suspends chat scanning until unpaused.
func (b *Bot) TogglePause() {
	paused := !b.paused.Load()
	b.paused.Store(paused)
	if paused {
		b.logger.Warn("bot paused, scanning suspended")
	} else {
		b.logger.Info("bot resumed")
	}
}

// Paused reports whether scanning is suspended.
func (b *Bot) Paused() bool {
	return b.paused.Load()
}

func (b *Bot) dispatch(ctx context.Context, cmd *api.Command) {
	b.logger.Info("received command: %s", cmd.Name)

	switch cmd.Name {
	case api.CommandStartTitleBot:
		b.runTitleBot(ctx, cmd.Options)

	case api.CommandStop, api.CommandIdle:
		b.StopCurrentOperation()
		b.ensureIdle(ctx)

	case api.CommandRecover:
		b.setState(ctx, StateNavigating, "running recovery")
		if b.nav.RecoverTo(ctx, vision.StateIdleMap, b.cfg.Bot.RecoveryAttempts) {
			b.setState(ctx, StateIdle, "recovery successful")
		} else {
			b.setState(ctx, StateError, "recovery failed")
		}

	case api.CommandGetState:
		b.reportGameState(ctx)

	case api.CommandCaptureIdle:
		b.captureIdleReference(ctx)

	case api.CommandStartScan:
		b.logger.Warn("scan command ignored: governor scanning is not part of this build")
		b.setState(ctx, StateIdle, "scan mode not available")

	default:
		b.logger.Warn("unknown command %q ignored", cmd.Name)
	}
}

func (b *Bot) ensureIdle(ctx context.Context) {
	b.setState(ctx, StateNavigating, "returning to idle")
	if b.nav.RecoverTo(ctx, vision.StateIdleMap, b.cfg.Bot.RecoveryAttempts) {
		b.setState(ctx, StateIdle, "back at map")
	} else {
		b.setState(ctx, StateError, "could not reach idle state")
	}
}

func (b *Bot) reportGameState(ctx context.Context) {
	frame, err := b.source.Capture(ctx)
	if err != nil {
		b.logger.LogError(err, "get_state capture")
		b.setState(ctx, StateError, "capture failed")
		return
	}
	defer frame.Close()

	result := b.detector.Detect(frame.Image)
	b.logger.Info("game state: %s (%.0f%%)", result.State, result.Confidence*100)
	b.setState(ctx, b.state, "game state: "+string(result.State))
}

func (b *Bot) captureIdleReference(ctx context.Context) {
	frame, err := b.source.Capture(ctx)
	if err != nil {
		b.logger.LogError(err, "capture idle reference")
		b.setState(ctx, StateError, "capture failed")
		return
	}
	defer frame.Close()

	b.nav.SetIdleReference(frame.Image)
	b.setState(ctx, StateIdle, "idle reference recaptured")
}

// titleBotOptions are the start_title_bot command parameters.
type titleBotOptions struct {
	durationLimit time.Duration
	syncInterval  time.Duration
	expandChat    bool
}

func parseTitleBotOptions(options map[string]any) titleBotOptions {
	parsed := titleBotOptions{
		syncInterval: time.Minute,
	}
	if minutes, ok := options["duration_minutes"].(float64); ok && minutes > 0 {
		parsed.durationLimit = time.Duration(minutes * float64(time.Minute))
	}
	if secs, ok := options["sync_interval"].(float64); ok && secs > 0 {
		parsed.syncInterval = time.Duration(secs * float64(time.Second))
	}
	if expand, ok := options["expand_chat"].(bool); ok {
		parsed.expandChat = expand
	}
	return parsed
}

// runTitleBot monitors chat for title requests until stopped. Each
// cycle: verify idle, OCR the chat regions, parse, dedup, forward new
// requests to the hub.
func (b *Bot) runTitleBot(parent context.Context, options map[string]any) {
	opts := parseTitleBotOptions(options)

	ctx, done := b.beginOperation(parent)
	defer done()

	go b.watchForRemoteStop(ctx)

	b.setState(ctx, StateGivingTitles, "title bot active, monitoring chat")

	if opts.expandChat {
		// The expand handle only exists once the panel is open.
		if err := b.nav.OpenChat(ctx); err != nil {
			b.logger.LogError(err, "open chat")
		}
		if err := b.nav.ExpandChat(ctx); err != nil {
			b.logger.LogError(err, "expand chat")
		}
		defer func() {
			if err := b.nav.CollapseChat(context.WithoutCancel(ctx)); err != nil {
				b.logger.LogError(err, "collapse chat")
			}
		}()
	}

	started := b.now()
	lastSync := started
	newRequests := 0
	processedGrants := make(map[int64]bool)

	for {
		if ctx.Err() != nil {
			break
		}
		if opts.durationLimit > 0 && b.now().Sub(started) >= opts.durationLimit {
			b.logger.Info("title bot duration limit reached")
			break
		}
		if b.paused.Load() {
			b.sleep(b.chatScanDelay())
			continue
		}

		frame, err := b.source.Capture(ctx)
		if err != nil {
			b.logger.LogError(err, "title bot capture")
			b.sleep(b.chatScanDelay())
			continue
		}

		if !opts.expandChat && !b.nav.IsAtIdle(frame.Image) {
			frame.Close()
			b.setState(ctx, StateNavigating, "not at idle, recovering")
			b.nav.RecoverTo(ctx, vision.StateIdleMap, b.cfg.Bot.RecoveryAttempts)
			b.setState(ctx, StateGivingTitles, "title bot active, monitoring chat")
			continue
		}

		newRequests += b.scanChatFrame(ctx, frame.Image, opts.expandChat)
		frame.Close()

		if b.now().Sub(lastSync) >= opts.syncInterval {
			b.processGrants(ctx, processedGrants)
			b.syncTracker(ctx)
			lastSync = b.now()
		}

		b.sleep(b.chatScanDelay())
	}

	b.processGrants(context.WithoutCancel(ctx), processedGrants)
	b.syncTracker(context.WithoutCancel(ctx))

	summary := b.tracker.SessionSummary()
	b.logger.Info("title bot session: %d new this run, %d total from %d players (%.1f/hour)",
		newRequests, summary.TotalRequests, summary.UniquePlayers, summary.RequestsPerHour)
	b.setState(context.WithoutCancel(ctx), StateIdle, "title bot complete")
}

// scanChatFrame OCRs the chat area of one frame and tracks every title
// request found. The first region that yields parseable messages wins;
// later regions are fallbacks for layout drift.
func (b *Bot) scanChatFrame(ctx context.Context, frame gocv.Mat, expanded bool) int {
	regions := screen.ChatScanRegions
	if expanded {
		regions = []screen.Region{screen.ChatMessagesExpanded}
	}

	var requests []chat.Message
	for _, region := range regions {
		var messages []chat.Message
		for _, mode := range ocr.ChatModes {
			text := b.ocr.ReadRegion(frame, region, mode)
			if strings.TrimSpace(text) == "" {
				continue
			}
			parsed := chat.ParseMessages(text)
			if len(parsed) > 0 {
				messages = parsed
				break
			}
		}
		if len(messages) > 0 {
			requests = chat.FindTitleRequests(messages)
			break
		}
	}

	accepted := 0
	for _, request := range requests {
		title, ambiguous := chat.ExtractTitleType(request.Message)
		isNew, note := b.tracker.TrackRequest(request.PlayerName, request.AllianceTag, title, ambiguous)
		if !isNew {
			continue
		}
		accepted++
		b.logger.Info("new request: [%s]%s wants %s (%s)",
			request.AllianceTag, request.PlayerName, title, note)
		b.forwardRequest(ctx, request.PlayerName, request.AllianceTag, string(title))
	}
	return accepted
}

// forwardRequest queues the request on the hub. The hub owns duplicate
// detection; a duplicate-pending answer is success, not a retry.
func (b *Bot) forwardRequest(ctx context.Context, playerName, allianceTag, titleType string) {
	governorID, err := b.hub.FindGovernorID(ctx, playerName)
	if err != nil {
		b.logger.LogError(err, "resolve governor id for "+playerName)
		return
	}
	if governorID == 0 {
		b.logger.Warn("no governor match for %q, request kept local only", playerName)
		return
	}

	accepted, detail, err := b.hub.CreateTitleRequest(ctx, governorID, playerName, allianceTag, titleType)
	if err != nil {
		b.logger.LogError(err, "create title request")
		return
	}
	if !accepted {
		b.logger.Warn("hub rejected request for %s: %s", playerName, detail)
	}
}

// processGrants pulls granted queue entries from the hub and applies
// them locally: the tracker clears its dedup entry so the player may
// request again, and the grant is echoed to the hub's grant ledger.
// Entries already handled this session are skipped.
func (b *Bot) processGrants(ctx context.Context, processed map[int64]bool) {
	entries, err := b.hub.TitleQueue(ctx, "granted", 50)
	if err != nil {
		b.logger.LogError(err, "fetch granted queue")
		return
	}

	for _, entry := range entries {
		if processed[entry.ID] {
			continue
		}
		processed[entry.ID] = true

		if !b.tracker.RecordGrant(entry.GovernorName, chat.TitleType(entry.TitleType)) {
			b.logger.Debug("grant for unknown player %s ignored", entry.GovernorName)
			continue
		}
		b.logger.Info("grant confirmed: %s received %s", entry.GovernorName, entry.TitleType)

		if err := b.hub.RecordGrant(ctx, entry.GovernorName, entry.TitleType); err != nil {
			b.logger.LogError(err, "record grant for "+entry.GovernorName)
		}
	}
}

func (b *Bot) syncTracker(ctx context.Context) {
	if err := b.hub.SyncTrackingData(ctx, b.tracker.Export()); err != nil {
		b.logger.LogError(err, "sync tracking data")
	}
}

// watchForRemoteStop polls for stop/idle commands while an operation
// runs, mirroring the hub's expectation of sub-second stop latency. It
// only cancels the operation context; the main loop does the cleanup.
func (b *Bot) watchForRemoteStop(ctx context.Context) {
	interval := 500 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		cmd, err := b.hub.PollCommand(ctx)
		if err != nil || cmd == nil {
			continue
		}
		switch cmd.Name {
		case api.CommandStop, api.CommandIdle:
			b.logger.Info("remote %s command: cancelling current operation", cmd.Name)
			b.StopCurrentOperation()
			return
		default:
			b.logger.Warn("command %q ignored while an operation is running", cmd.Name)
		}
	}
}

func (b *Bot) chatScanDelay() time.Duration {
	if b.cfg.Bot.ChatScanDelayMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(b.cfg.Bot.ChatScanDelayMS) * time.Millisecond
}

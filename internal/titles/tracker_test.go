package titles

import (
	"testing"
	"time"

	"rokbot/internal/chat"
	"rokbot/internal/config"
	"rokbot/internal/logger"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	lm, err := logger.NewLoggerManager(t.TempDir() + "/test.log")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	t.Cleanup(func() { lm.Close() })

	tr, err := NewTracker(config.TrackerConfig{
		DataDir:       t.TempDir(),
		SeenTTLSecs:   3600,
		SaveBatchSize: 10,
	}, nil, lm)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	return tr
}

func TestTrackRequestDeduplicates(t *testing.T) {
	tr := newTestTracker(t)

	ok, _ := tr.TrackRequest("HolyDeeW", "F28A", chat.TitleDuke, false)
	if !ok {
		t.Fatal("first request should be tracked")
	}
	// Same (player, title) pair within the TTL is a duplicate.
	ok, msg := tr.TrackRequest("HolyDeeW", "F28A", chat.TitleDuke, false)
	if ok {
		t.Fatalf("duplicate request should be rejected: %s", msg)
	}
	// Case and whitespace differences still collapse.
	if ok, _ := tr.TrackRequest("  holydeew ", "F28A", chat.TitleDuke, false); ok {
		t.Error("normalized duplicate should be rejected")
	}
	// A different title from the same player is a new request.
	if ok, _ := tr.TrackRequest("HolyDeeW", "F28A", chat.TitleJustice, false); !ok {
		t.Error("different title should be tracked")
	}

	if queue := tr.Queue(); len(queue) != 2 {
		t.Errorf("queue length = %d, want 2", len(queue))
	}
}

// Two OCR passes seeing the same pair seconds apart must produce one
// queue entry.
func TestConsecutiveScansProduceOneEntry(t *testing.T) {
	tr := newTestTracker(t)

	base := time.Now()
	tr.now = func() time.Time { return base }
	tr.TrackRequest("WATUZI", "F28A", chat.TitleScientist, false)

	tr.now = func() time.Time { return base.Add(5 * time.Second) }
	tr.TrackRequest("WATUZI", "F28A", chat.TitleScientist, false)

	if queue := tr.Queue(); len(queue) != 1 {
		t.Fatalf("queue length = %d, want 1", len(queue))
	}
}

func TestSeenEntryExpires(t *testing.T) {
	tr := newTestTracker(t)

	base := time.Now()
	tr.now = func() time.Time { return base }
	tr.TrackRequest("Bob", "", chat.TitleDuke, false)

	tr.now = func() time.Time { return base.Add(2 * time.Hour) }
	if ok, _ := tr.TrackRequest("Bob", "", chat.TitleDuke, false); !ok {
		t.Error("request after TTL expiry should be tracked again")
	}
}

func TestRecordGrantClearsSeen(t *testing.T) {
	tr := newTestTracker(t)

	tr.TrackRequest("Bob", "F28A", chat.TitleDuke, false)
	if !tr.RecordGrant("Bob", chat.TitleDuke) {
		t.Fatal("grant for a known player should succeed")
	}

	// The grant clears the dedup entry, so the same player can ask
	// again right away.
	if ok, _ := tr.TrackRequest("Bob", "F28A", chat.TitleDuke, false); !ok {
		t.Error("request after grant should be tracked")
	}

	if tr.RecordGrant("Nobody", chat.TitleDuke) {
		t.Error("grant for an unknown player should fail")
	}
}

func TestRecordGrantUpdatesQueue(t *testing.T) {
	tr := newTestTracker(t)

	tr.TrackRequest("Bob", "", chat.TitleDuke, false)
	tr.TrackRequest("Alice", "", chat.TitleDuke, false)
	tr.RecordGrant("Bob", chat.TitleDuke)

	queue := tr.Queue()
	if len(queue) != 1 {
		t.Fatalf("queue length = %d, want 1", len(queue))
	}
	if queue[0].PlayerName != "Alice" {
		t.Errorf("pending request should be Alice's, got %s", queue[0].PlayerName)
	}

	stats, ok := tr.PlayerStats("Bob")
	if !ok {
		t.Fatal("Bob should have stats")
	}
	if stats.DukeGrants != 1 || stats.TotalGrants != 1 {
		t.Errorf("grant counters wrong: %+v", stats)
	}
}

func TestClearPlayerSeen(t *testing.T) {
	tr := newTestTracker(t)

	tr.TrackRequest("Bob", "", chat.TitleDuke, false)
	tr.TrackRequest("Bob", "", chat.TitleJustice, false)

	tr.ClearPlayerSeen("Bob", chat.TitleDuke)
	if ok, _ := tr.TrackRequest("Bob", "", chat.TitleDuke, false); !ok {
		t.Error("cleared title should be trackable again")
	}
	if ok, _ := tr.TrackRequest("Bob", "", chat.TitleJustice, false); ok {
		t.Error("uncleared title should still deduplicate")
	}

	tr.ClearPlayerSeen("Bob", "")
	if ok, _ := tr.TrackRequest("Bob", "", chat.TitleJustice, false); !ok {
		t.Error("clearing all titles should reset every entry")
	}
}

func TestStatsAccumulate(t *testing.T) {
	tr := newTestTracker(t)

	tr.TrackRequest("Bob", "F28A", chat.TitleDuke, false)
	tr.ClearPlayerSeen("Bob", chat.TitleDuke)
	tr.TrackRequest("Bob", "F28A", chat.TitleDuke, false)
	tr.TrackRequest("Bob", "F28A", chat.TitleScientist, false)

	stats, _ := tr.PlayerStats("Bob")
	if stats.TotalRequests != 3 || stats.DukeRequests != 2 || stats.ScientistRequests != 1 {
		t.Errorf("counters wrong: %+v", stats)
	}
	if stats.FavoriteTitle() != "duke" {
		t.Errorf("favorite = %s, want duke", stats.FavoriteTitle())
	}
	if stats.FirstRequest == nil || stats.LastRequest == nil {
		t.Error("request timestamps not set")
	}

	dist := tr.TitleDistribution()
	if dist["duke"] != 2 || dist["scientist"] != 1 {
		t.Errorf("distribution wrong: %v", dist)
	}
}

func TestAllianceTagUpdates(t *testing.T) {
	tr := newTestTracker(t)

	tr.TrackRequest("Bob", "", chat.TitleDuke, false)
	tr.TrackRequest("Bob", "F28A", chat.TitleJustice, false)

	stats, _ := tr.PlayerStats("Bob")
	if stats.AllianceTag != "F28A" {
		t.Errorf("tag should update when it appears, got %q", stats.AllianceTag)
	}
}

func TestLeaderboard(t *testing.T) {
	tr := newTestTracker(t)

	tr.TrackRequest("Alice", "", chat.TitleDuke, false)
	tr.TrackRequest("Alice", "", chat.TitleJustice, false)
	tr.TrackRequest("Bob", "", chat.TitleDuke, false)

	board := tr.Leaderboard(10)
	if len(board) != 2 {
		t.Fatalf("leaderboard length = %d, want 2", len(board))
	}
	if board[0].PlayerName != "Alice" || board[0].Rank != 1 {
		t.Errorf("Alice should lead: %+v", board[0])
	}

	if board := tr.Leaderboard(1); len(board) != 1 {
		t.Errorf("limit not applied: %d entries", len(board))
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	lm, err := logger.NewLoggerManager(t.TempDir() + "/test.log")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	defer lm.Close()

	dir := t.TempDir()
	cfg := config.TrackerConfig{DataDir: dir, SeenTTLSecs: 3600, SaveBatchSize: 10}

	tr, err := NewTracker(cfg, nil, lm)
	if err != nil {
		t.Fatal(err)
	}
	tr.TrackRequest("HolyDeeW", "F28A", chat.TitleDuke, false)
	tr.RecordGrant("HolyDeeW", chat.TitleDuke)
	tr.Shutdown()

	reloaded, err := NewTracker(cfg, nil, lm)
	if err != nil {
		t.Fatal(err)
	}
	stats, ok := reloaded.PlayerStats("HolyDeeW")
	if !ok {
		t.Fatal("stats lost across restart")
	}
	if stats.DukeRequests != 1 || stats.DukeGrants != 1 {
		t.Errorf("reloaded stats wrong: %+v", stats)
	}
	if stats.AllianceTag != "F28A" {
		t.Errorf("alliance tag lost: %q", stats.AllianceTag)
	}
}

func TestSaveEveryBatch(t *testing.T) {
	tr := newTestTracker(t)
	tr.saveBatch = 2

	tr.TrackRequest("A", "", chat.TitleDuke, false)
	tr.TrackRequest("B", "", chat.TitleDuke, false)

	// The batch save must be loadable by a fresh tracker without an
	// explicit Shutdown.
	lm, _ := logger.NewLoggerManager(t.TempDir() + "/test.log")
	defer lm.Close()
	reloaded, err := NewTracker(config.TrackerConfig{DataDir: tr.dataDir, SeenTTLSecs: 3600, SaveBatchSize: 10}, nil, lm)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reloaded.PlayerStats("B"); !ok {
		t.Error("batch save did not persist")
	}
}

type recordingSink struct {
	requests []TitleRequest
	grants   []string
}

func (s *recordingSink) SaveRequest(req TitleRequest) {
	s.requests = append(s.requests, req)
}

func (s *recordingSink) MarkGranted(playerName string, title chat.TitleType, _ time.Time) {
	s.grants = append(s.grants, playerName+":"+string(title))
}

func TestHistorySinkReceivesRequests(t *testing.T) {
	lm, _ := logger.NewLoggerManager(t.TempDir() + "/test.log")
	defer lm.Close()

	sink := &recordingSink{}
	tr, err := NewTracker(config.TrackerConfig{DataDir: t.TempDir(), SeenTTLSecs: 3600, SaveBatchSize: 10}, sink, lm)
	if err != nil {
		t.Fatal(err)
	}

	tr.TrackRequest("Bob", "F28A", chat.TitleDuke, false)
	tr.TrackRequest("Bob", "F28A", chat.TitleDuke, false) // duplicate

	if len(sink.requests) != 1 {
		t.Fatalf("sink received %d requests, want 1", len(sink.requests))
	}
	if sink.requests[0].TitleType != chat.TitleDuke {
		t.Errorf("sink request wrong: %+v", sink.requests[0])
	}
}

func TestHistorySinkReceivesGrants(t *testing.T) {
	lm, _ := logger.NewLoggerManager(t.TempDir() + "/test.log")
	defer lm.Close()

	sink := &recordingSink{}
	tr, err := NewTracker(config.TrackerConfig{DataDir: t.TempDir(), SeenTTLSecs: 3600, SaveBatchSize: 10}, sink, lm)
	if err != nil {
		t.Fatal(err)
	}

	tr.TrackRequest("Bob", "F28A", chat.TitleDuke, false)
	tr.RecordGrant("Bob", chat.TitleDuke)
	tr.RecordGrant("Nobody", chat.TitleDuke) // unknown player, no grant

	if len(sink.grants) != 1 || sink.grants[0] != "Bob:duke" {
		t.Errorf("sink grants = %v, want [Bob:duke]", sink.grants)
	}
}

func TestSessionSummary(t *testing.T) {
	tr := newTestTracker(t)

	tr.TrackRequest("Alice", "", chat.TitleDuke, false)
	tr.TrackRequest("Bob", "", chat.TitleDuke, false)
	tr.RecordGrant("Alice", chat.TitleDuke)

	s := tr.SessionSummary()
	if s.TotalRequests != 2 || s.TotalGrants != 1 {
		t.Errorf("summary counts wrong: %+v", s)
	}
	if s.UniquePlayers != 2 {
		t.Errorf("unique players = %d, want 2", s.UniquePlayers)
	}
	if s.PendingQueue != 1 {
		t.Errorf("pending queue = %d, want 1", s.PendingQueue)
	}
}

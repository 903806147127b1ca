// Package titles keeps per-player title request statistics, deduplicates
// repeated chat requests, and persists everything across restarts.
package titles

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"rokbot/internal/chat"
	"rokbot/internal/config"
	"rokbot/internal/logger"
)

const statsFileName = "player_title_stats.json"

// recentWindow bounds how long a request stays in the in-memory queue.
const recentWindow = 2 * time.Minute

// TitleRequest is a single observed request.
type TitleRequest struct {
	PlayerName  string         `json:"player_name"`
	AllianceTag string         `json:"alliance_tag"`
	TitleType   chat.TitleType `json:"title_type"`
	Timestamp   time.Time      `json:"timestamp"`
	Ambiguous   bool           `json:"ambiguous,omitempty"`
	WasGranted  bool           `json:"was_granted"`
	GrantedAt   *time.Time     `json:"granted_at,omitempty"`
}

// PlayerTitleStats accumulates request and grant counts for one player.
type PlayerTitleStats struct {
	PlayerName  string `json:"player_name"`
	AllianceTag string `json:"alliance_tag"`
	GovernorID  string `json:"governor_id,omitempty"`

	DukeRequests      int `json:"duke_requests"`
	ScientistRequests int `json:"scientist_requests"`
	ArchitectRequests int `json:"architect_requests"`
	JusticeRequests   int `json:"justice_requests"`

	DukeGrants      int `json:"duke_grants"`
	ScientistGrants int `json:"scientist_grants"`
	ArchitectGrants int `json:"architect_grants"`
	JusticeGrants   int `json:"justice_grants"`

	FirstRequest *time.Time `json:"first_request,omitempty"`
	LastRequest  *time.Time `json:"last_request,omitempty"`

	TotalRequests int `json:"total_requests"`
	TotalGrants   int `json:"total_grants"`

	RecentRequestTimes []time.Time `json:"recent_request_times,omitempty"`
}

func (s *PlayerTitleStats) addRequest(title chat.TitleType, now time.Time) {
	s.TotalRequests++
	switch title {
	case chat.TitleDuke:
		s.DukeRequests++
	case chat.TitleScientist:
		s.ScientistRequests++
	case chat.TitleArchitect:
		s.ArchitectRequests++
	case chat.TitleJustice:
		s.JusticeRequests++
	}

	if s.FirstRequest == nil {
		t := now
		s.FirstRequest = &t
	}
	t := now
	s.LastRequest = &t

	hourAgo := now.Add(-time.Hour)
	kept := s.RecentRequestTimes[:0]
	for _, rt := range s.RecentRequestTimes {
		if rt.After(hourAgo) {
			kept = append(kept, rt)
		}
	}
	s.RecentRequestTimes = append(kept, now)
}

func (s *PlayerTitleStats) addGrant(title chat.TitleType) {
	s.TotalGrants++
	switch title {
	case chat.TitleDuke:
		s.DukeGrants++
	case chat.TitleScientist:
		s.ScientistGrants++
	case chat.TitleArchitect:
		s.ArchitectGrants++
	case chat.TitleJustice:
		s.JusticeGrants++
	}
}

// RequestsPerHour is the request rate over the recent window.
func (s *PlayerTitleStats) RequestsPerHour() float64 {
	if len(s.RecentRequestTimes) < 2 {
		return 0
	}
	span := s.RecentRequestTimes[len(s.RecentRequestTimes)-1].Sub(s.RecentRequestTimes[0])
	if span <= 0 {
		return 0
	}
	hours := span.Hours()
	if hours < 0.1 {
		hours = 0.1
	}
	return float64(len(s.RecentRequestTimes)) / hours
}

// FavoriteTitle is the most requested title, or "none".
func (s *PlayerTitleStats) FavoriteTitle() string {
	counts := []struct {
		title string
		n     int
	}{
		{"duke", s.DukeRequests},
		{"scientist", s.ScientistRequests},
		{"architect", s.ArchitectRequests},
		{"justice", s.JusticeRequests},
	}
	best := counts[0]
	for _, c := range counts[1:] {
		if c.n > best.n {
			best = c
		}
	}
	if best.n == 0 {
		return "none"
	}
	return best.title
}

// GrantRate is the percentage of requests that were granted.
func (s *PlayerTitleStats) GrantRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.TotalGrants) / float64(s.TotalRequests) * 100
}

// HistorySink receives every tracked request for long-term storage.
type HistorySink interface {
	SaveRequest(req TitleRequest)
	MarkGranted(playerName string, title chat.TitleType, grantedAt time.Time)
}

// Tracker is the title request ledger. All methods are safe for
// concurrent use.
type Tracker struct {
	mu sync.Mutex

	dataDir   string
	stats     map[string]*PlayerTitleStats
	recent    []*TitleRequest
	seen      map[string]time.Time
	seenTTL   time.Duration
	saveBatch int

	sessionStart    time.Time
	sessionRequests int
	sessionGrants   int

	history HistorySink
	logger  *logger.LoggerManager

	// now is swappable so tests control time.
	now func() time.Time
}

// NewTracker loads persisted stats from the data dir. history may be nil.
func NewTracker(cfg config.TrackerConfig, history HistorySink, loggerManager *logger.LoggerManager) (*Tracker, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create tracker data dir: %w", err)
	}

	t := &Tracker{
		dataDir:   cfg.DataDir,
		stats:     make(map[string]*PlayerTitleStats),
		seen:      make(map[string]time.Time),
		seenTTL:   time.Duration(cfg.SeenTTLSecs) * time.Second,
		saveBatch: cfg.SaveBatchSize,
		history:   history,
		logger:    loggerManager,
		now:       time.Now,
	}
	t.sessionStart = t.now()

	if err := t.load(); err != nil {
		loggerManager.LogError(err, "loading tracker state")
	}
	loggerManager.Info("title tracker initialized with %d players", len(t.stats))
	return t, nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func messageHash(playerName string, title chat.TitleType) string {
	content := normalizeName(playerName) + ":" + strings.ToLower(string(title))
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

// TrackRequest records a request unless the same (player, title) pair
// was already seen within the TTL. Returns whether the request was new
// plus a status message.
func (t *Tracker) TrackRequest(playerName, allianceTag string, title chat.TitleType, ambiguous bool) (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	hash := messageHash(playerName, title)

	if len(t.seen) > 100 {
		t.cleanupSeenLocked(now)
	}

	if firstSeen, ok := t.seen[hash]; ok && now.Sub(firstSeen) < t.seenTTL {
		age := now.Sub(firstSeen).Round(time.Minute)
		return false, fmt.Sprintf("already seen: %s -> %s (%s ago)", playerName, title, age)
	}
	t.seen[hash] = now

	cutoff := now.Add(-recentWindow)
	kept := t.recent[:0]
	for _, r := range t.recent {
		if r.Timestamp.After(cutoff) {
			kept = append(kept, r)
		}
	}
	t.recent = kept

	req := &TitleRequest{
		PlayerName:  playerName,
		AllianceTag: allianceTag,
		TitleType:   title,
		Timestamp:   now,
		Ambiguous:   ambiguous,
	}
	t.recent = append(t.recent, req)

	key := normalizeName(playerName)
	stats, ok := t.stats[key]
	if !ok {
		stats = &PlayerTitleStats{PlayerName: playerName, AllianceTag: allianceTag}
		t.stats[key] = stats
	}
	if allianceTag != "" && allianceTag != stats.AllianceTag {
		stats.AllianceTag = allianceTag
	}
	stats.addRequest(title, now)

	t.sessionRequests++
	if rate := stats.RequestsPerHour(); rate > 10 {
		t.logger.Debug("high request rate from %s: %.1f/hour", playerName, rate)
	}

	if t.saveBatch > 0 && t.sessionRequests%t.saveBatch == 0 {
		if err := t.saveLocked(); err != nil {
			t.logger.LogError(err, "saving tracker state")
		}
	}

	if t.history != nil {
		t.history.SaveRequest(*req)
	}

	return true, fmt.Sprintf("tracked: [%s]%s requests %s", allianceTag, playerName, title)
}

// RecordGrant marks the player's latest matching request as granted and
// clears the seen entry so the player may request again immediately.
func (t *Tracker) RecordGrant(playerName string, title chat.TitleType) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := normalizeName(playerName)
	stats, ok := t.stats[key]
	if !ok {
		return false
	}
	stats.addGrant(title)

	now := t.now()
	for i := len(t.recent) - 1; i >= 0; i-- {
		r := t.recent[i]
		if normalizeName(r.PlayerName) == key && r.TitleType == title && !r.WasGranted {
			r.WasGranted = true
			granted := now
			r.GrantedAt = &granted
			break
		}
	}

	t.sessionGrants++
	delete(t.seen, messageHash(playerName, title))

	if t.history != nil {
		t.history.MarkGranted(playerName, title, now)
	}
	return true
}

// ClearPlayerSeen removes seen entries for a player. An empty title
// clears all four.
func (t *Tracker) ClearPlayerSeen(playerName string, title chat.TitleType) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if title != "" {
		delete(t.seen, messageHash(playerName, title))
		return
	}
	for _, tt := range []chat.TitleType{chat.TitleDuke, chat.TitleScientist, chat.TitleArchitect, chat.TitleJustice} {
		delete(t.seen, messageHash(playerName, tt))
	}
}

// ResetSeen clears the whole dedup cache so every message counts again.
func (t *Tracker) ResetSeen() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen = make(map[string]time.Time)
	t.logger.Info("seen messages cache cleared")
}

func (t *Tracker) cleanupSeenLocked(now time.Time) {
	cutoff := now.Add(-t.seenTTL)
	for k, v := range t.seen {
		if !v.After(cutoff) {
			delete(t.seen, k)
		}
	}
}

// PlayerStats returns a copy of the stats for one player.
func (t *Tracker) PlayerStats(playerName string) (PlayerTitleStats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats, ok := t.stats[normalizeName(playerName)]
	if !ok {
		return PlayerTitleStats{}, false
	}
	return *stats, true
}

// Queue returns the pending, not yet granted requests.
func (t *Tracker) Queue() []TitleRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	var queue []TitleRequest
	for _, r := range t.recent {
		if !r.WasGranted {
			queue = append(queue, *r)
		}
	}
	return queue
}

// SessionSummary describes the current scanning session.
type SessionSummary struct {
	DurationMinutes float64 `json:"session_duration_minutes"`
	TotalRequests   int     `json:"total_requests"`
	TotalGrants     int     `json:"total_grants"`
	RequestsPerHour float64 `json:"requests_per_hour"`
	GrantRate       float64 `json:"grant_rate"`
	UniquePlayers   int     `json:"unique_players"`
	PendingQueue    int     `json:"pending_queue"`
}

// SessionSummary reports what happened since startup.
func (t *Tracker) SessionSummary() SessionSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	duration := t.now().Sub(t.sessionStart)
	hours := duration.Hours()
	if hours < 0.1 {
		hours = 0.1
	}

	unique := make(map[string]bool)
	pending := 0
	for _, r := range t.recent {
		unique[normalizeName(r.PlayerName)] = true
		if !r.WasGranted {
			pending++
		}
	}

	requests := t.sessionRequests
	if requests == 0 {
		requests = 1
	}
	return SessionSummary{
		DurationMinutes: duration.Minutes(),
		TotalRequests:   t.sessionRequests,
		TotalGrants:     t.sessionGrants,
		RequestsPerHour: float64(t.sessionRequests) / hours,
		GrantRate:       float64(t.sessionGrants) / float64(requests) * 100,
		UniquePlayers:   len(unique),
		PendingQueue:    pending,
	}
}

// LeaderboardEntry is one row of the request leaderboard.
type LeaderboardEntry struct {
	Rank          int    `json:"rank"`
	PlayerName    string `json:"player_name"`
	AllianceTag   string `json:"alliance_tag"`
	TotalRequests int    `json:"total_requests"`
	TotalGrants   int    `json:"total_grants"`
	FavoriteTitle string `json:"favorite_title"`
	GrantRate     string `json:"grant_rate"`
}

// Leaderboard returns the top players by total requests.
func (t *Tracker) Leaderboard(limit int) []LeaderboardEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	players := make([]*PlayerTitleStats, 0, len(t.stats))
	for _, s := range t.stats {
		players = append(players, s)
	}
	sort.Slice(players, func(i, j int) bool {
		if players[i].TotalRequests != players[j].TotalRequests {
			return players[i].TotalRequests > players[j].TotalRequests
		}
		return players[i].PlayerName < players[j].PlayerName
	})
	if limit < len(players) {
		players = players[:limit]
	}

	out := make([]LeaderboardEntry, len(players))
	for i, p := range players {
		out[i] = LeaderboardEntry{
			Rank:          i + 1,
			PlayerName:    p.PlayerName,
			AllianceTag:   p.AllianceTag,
			TotalRequests: p.TotalRequests,
			TotalGrants:   p.TotalGrants,
			FavoriteTitle: p.FavoriteTitle(),
			GrantRate:     fmt.Sprintf("%.1f%%", p.GrantRate()),
		}
	}
	return out
}

// TitleDistribution sums requests per title type across all players.
func (t *Tracker) TitleDistribution() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	totals := make(map[string]int, 4)
	for _, s := range t.stats {
		totals["duke"] += s.DukeRequests
		totals["scientist"] += s.ScientistRequests
		totals["architect"] += s.ArchitectRequests
		totals["justice"] += s.JusticeRequests
	}
	return totals
}

// Snapshot is the full tracker export used by the website sync.
type Snapshot struct {
	ExportTime        time.Time                   `json:"export_time"`
	Summary           SessionSummary              `json:"summary"`
	TitleDistribution map[string]int              `json:"title_distribution"`
	Leaderboard       []LeaderboardEntry          `json:"leaderboard"`
	Players           map[string]PlayerTitleStats `json:"players"`
}

// Export builds a full snapshot of tracker state.
func (t *Tracker) Export() Snapshot {
	summary := t.SessionSummary()
	distribution := t.TitleDistribution()
	leaderboard := t.Leaderboard(50)

	t.mu.Lock()
	defer t.mu.Unlock()
	players := make(map[string]PlayerTitleStats, len(t.stats))
	for name, s := range t.stats {
		players[name] = *s
	}
	return Snapshot{
		ExportTime:        t.now(),
		Summary:           summary,
		TitleDistribution: distribution,
		Leaderboard:       leaderboard,
		Players:           players,
	}
}

type statsFile struct {
	LastUpdated  time.Time                    `json:"last_updated"`
	TotalPlayers int                          `json:"total_players"`
	Players      map[string]*PlayerTitleStats `json:"players"`
}

func (t *Tracker) load() error {
	path := filepath.Join(t.dataDir, statsFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read stats file: %w", err)
	}

	var file statsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse stats file: %w", err)
	}
	for key, stats := range file.Players {
		t.stats[key] = stats
	}
	return nil
}

// saveLocked writes stats atomically: temp file then rename, so a crash
// mid-write never corrupts the previous snapshot.
func (t *Tracker) saveLocked() error {
	file := statsFile{
		LastUpdated:  t.now(),
		TotalPlayers: len(t.stats),
		Players:      t.stats,
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}

	path := filepath.Join(t.dataDir, statsFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write stats file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit stats file: %w", err)
	}
	return nil
}

// Save flushes stats to disk immediately.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

// Shutdown persists everything.
func (t *Tracker) Shutdown() {
	if err := t.Save(); err != nil {
		t.logger.LogError(err, "tracker shutdown save")
		return
	}
	t.logger.Info("title tracker shutdown complete")
}

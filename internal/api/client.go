package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"rokbot/internal/config"
	"rokbot/internal/logger"
	"rokbot/internal/titles"
)

// Remote command names the hub can issue. Anything outside this set is
// ignored by the control loop.
const (
	CommandStartScan     = "start_scan"
	CommandStartTitleBot = "start_title_bot"
	CommandStop          = "stop"
	CommandIdle          = "idle"
	CommandGetState      = "get_state"
	CommandRecover       = "recover"
	CommandCaptureIdle   = "capture_idle"
)

// Command is one pending remote instruction. The hub hands each command
// out exactly once; polling consumes it.
type Command struct {
	Name     string         `json:"command"`
	ScanType string         `json:"scan_type"`
	Options  map[string]any `json:"options"`
}

// Governor is one search result from the hub's governor index.
type Governor struct {
	GovernorID int    `json:"governor_id"`
	Name       string `json:"name"`
}

// QueueEntry is one row of the hub-side title request queue.
type QueueEntry struct {
	ID           int64  `json:"id"`
	GovernorName string `json:"governor_name"`
	AllianceTag  string `json:"alliance_tag"`
	TitleType    string `json:"title_type"`
	Status       string `json:"status"`
}

// Client talks to the stats hub backend. All mutating calls carry the
// bot access key when one is configured.
type Client struct {
	cfg        config.APIConfig
	logger     *logger.LoggerManager
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a hub client from the API section of the config.
func NewClient(cfg config.APIConfig, loggerManager *logger.LoggerManager) *Client {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		logger: loggerManager,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
	}
}

func (c *Client) kingdomURL(path string) string {
	return fmt.Sprintf("%s/kingdoms/%d%s", c.baseURL, c.cfg.KingdomNumber, path)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AccessKey != "" {
		req.Header.Set("X-Bot-Key", c.cfg.AccessKey)
	}
}

func (c *Client) postJSON(ctx context.Context, rawURL string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)
	return c.httpClient.Do(req)
}

// TestConnection reports whether the hub is reachable.
func (c *Client) TestConnection(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("hub connection test failed: %v", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// PollCommand fetches the pending remote command, if any. The hub pops
// the command on read, so a returned command must be acted on.
func (c *Client) PollCommand(ctx context.Context) (*Command, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.kingdomURL("/bot/command"), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll command: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, nil
	}

	var envelope struct {
		Status  string   `json:"status"`
		Command *Command `json:"command"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	if envelope.Status != "ok" || envelope.Command == nil {
		return nil, nil
	}
	return envelope.Command, nil
}

// UpdateStatus reports the bot's current mode and progress to the hub.
// Progress values below zero are omitted.
func (c *Client) UpdateStatus(ctx context.Context, status, message string, progress, total int) error {
	params := url.Values{}
	params.Set("status", status)
	if message != "" {
		params.Set("message", message)
	}
	if progress >= 0 {
		params.Set("progress", strconv.Itoa(progress))
	}
	if total >= 0 {
		params.Set("total", strconv.Itoa(total))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.kingdomURL("/bot/status")+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("update status: HTTP %d", resp.StatusCode)
	}
	return nil
}

var nonAlnum = regexp.MustCompile(`[^A-Za-z0-9 ]+`)
var multiSpace = regexp.MustCompile(`\s+`)

// FindGovernorID resolves a governor id from an OCR'd player name. OCR
// output is noisy, so the search runs several progressively looser
// keys: the raw name, an alphanumeric-only form, trailing tokens, and
// a last-char-dropped prefix. Returns 0 when no confident match exists.
func (c *Client) FindGovernorID(ctx context.Context, governorName string) (int, error) {
	original := multiSpace.ReplaceAllString(strings.TrimSpace(governorName), " ")
	if original == "" {
		return 0, nil
	}

	candidates := []string{original}
	alnum := multiSpace.ReplaceAllString(strings.TrimSpace(nonAlnum.ReplaceAllString(original, " ")), " ")
	if alnum != "" && alnum != original {
		candidates = append(candidates, alnum)
	}
	tokens := strings.Fields(alnum)
	if len(tokens) >= 2 {
		candidates = append(candidates,
			tokens[len(tokens)-1],
			strings.Join(tokens[len(tokens)-2:], " "),
			strings.Join(tokens, ""))
	}
	if len(alnum) >= 5 {
		candidates = append(candidates, alnum[:len(alnum)-1])
	}
	if len(original) >= 5 {
		candidates = append(candidates, original[:len(original)-1])
	}

	var items []Governor
	for _, key := range candidates {
		if key == "" {
			continue
		}
		found, err := c.searchGovernors(ctx, key)
		if err != nil {
			return 0, err
		}
		if len(found) > 0 {
			items = found
			break
		}
	}
	if len(items) == 0 {
		return 0, nil
	}

	target := strings.ToLower(original)
	for _, item := range items {
		if strings.ToLower(strings.TrimSpace(item.Name)) == target {
			return item.GovernorID, nil
		}
	}

	best := Governor{}
	bestScore := 0.0
	for _, item := range items {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			continue
		}
		score := nameSimilarity(target, strings.ToLower(name))
		if score > bestScore {
			bestScore = score
			best = item
		}
	}
	if bestScore >= 0.7 {
		return best.GovernorID, nil
	}
	if len(items) == 1 {
		return items[0].GovernorID, nil
	}
	return 0, nil
}

func (c *Client) searchGovernors(ctx context.Context, search string) ([]Governor, error) {
	params := url.Values{}
	params.Set("search", search)
	params.Set("limit", "50")
	params.Set("sort_by", "name")
	params.Set("sort_dir", "asc")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.kingdomURL("/governors")+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("governor search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		c.logger.Warn("governor search failed: HTTP %d", resp.StatusCode)
		return nil, nil
	}

	var page struct {
		Items []Governor `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode governor search: %w", err)
	}
	return page.Items, nil
}

// nameSimilarity scores two lowercase names in [0,1] using character
// bigram overlap. Tolerant of single-character OCR swaps.
func nameSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	ba, bb := bigrams(a), bigrams(b)
	if len(ba) == 0 || len(bb) == 0 {
		return 0
	}
	overlap := 0
	for gram, n := range ba {
		if m, ok := bb[gram]; ok {
			if m < n {
				overlap += m
			} else {
				overlap += n
			}
		}
	}
	total := 0
	for _, n := range ba {
		total += n
	}
	for _, n := range bb {
		total += n
	}
	return float64(2*overlap) / float64(total)
}

func bigrams(s string) map[string]int {
	runes := []rune(s)
	grams := make(map[string]int)
	for i := 0; i+1 < len(runes); i++ {
		grams[string(runes[i:i+2])]++
	}
	return grams
}

// CreateTitleRequest queues a title request on the hub. The hub owns
// the queue, so a duplicate-pending rejection means the request is
// already queued and counts as accepted here.
func (c *Client) CreateTitleRequest(ctx context.Context, governorID int, governorName, allianceTag, titleType string) (bool, string, error) {
	payload := map[string]any{
		"governor_id":    governorID,
		"governor_name":  governorName,
		"title_type":     titleType,
		"duration_hours": 24,
	}
	if allianceTag != "" {
		payload["alliance_tag"] = allianceTag
	}

	resp, err := c.postJSON(ctx, c.kingdomURL("/titles/request"), payload)
	if err != nil {
		return false, "", fmt.Errorf("create title request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		io.Copy(io.Discard, resp.Body)
		return true, "ok", nil
	}

	detail := readDetail(resp)
	if detail == "" {
		detail = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	if isAlreadyQueued(detail) {
		return true, detail, nil
	}
	return false, detail, nil
}

func readDetail(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return ""
	}
	var payload struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Detail != "" {
		return payload.Detail
	}
	return strings.TrimSpace(string(body))
}

func isAlreadyQueued(detail string) bool {
	d := strings.ToLower(detail)
	return strings.Contains(d, "pending") || strings.Contains(d, "duplicate") ||
		strings.Contains(d, "already")
}

// TitleQueue fetches the hub-side request queue, optionally filtered by
// status ("pending", "granted", ...).
func (c *Client) TitleQueue(ctx context.Context, status string, limit int) ([]QueueEntry, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	if status != "" {
		params.Set("status", status)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.kingdomURL("/titles/queue")+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("title queue: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("title queue: HTTP %d", resp.StatusCode)
	}

	var entries []QueueEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode title queue: %w", err)
	}
	return entries, nil
}

// RecordGrant reports a granted title to the hub.
func (c *Client) RecordGrant(ctx context.Context, playerName, titleType string) error {
	payload := map[string]any{
		"player_name": playerName,
		"title_type":  titleType,
		"granted_at":  time.Now().Unix(),
		"kingdom":     c.cfg.KingdomNumber,
	}

	resp, err := c.postJSON(ctx, c.kingdomURL("/title-grants"), payload)
	if err != nil {
		return fmt.Errorf("record grant: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("record grant: HTTP %d", resp.StatusCode)
	}
	return nil
}

// SyncTrackingData uploads an aggregate tracker snapshot. The hub keeps
// the summary, distribution and leaderboard; per-player detail stays
// local.
func (c *Client) SyncTrackingData(ctx context.Context, snapshot titles.Snapshot) error {
	payload := map[string]any{
		"kingdom":            c.cfg.KingdomNumber,
		"sync_time":          snapshot.ExportTime,
		"summary":            snapshot.Summary,
		"title_distribution": snapshot.TitleDistribution,
		"leaderboard":        snapshot.Leaderboard,
		"player_count":       len(snapshot.Players),
	}

	resp, err := c.postJSON(ctx, c.kingdomURL("/title-tracking/sync"), payload)
	if err != nil {
		return fmt.Errorf("sync tracking data: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("sync tracking data: HTTP %d", resp.StatusCode)
	}
	return nil
}

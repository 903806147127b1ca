// Package chat turns raw OCR output from the chat panel into structured
// messages and filters out the title requests among them.
package chat

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// TitleType is one of the grantable kingdom titles.
type TitleType string

const (
	TitleDuke      TitleType = "duke"
	TitleScientist TitleType = "scientist"
	TitleArchitect TitleType = "architect"
	TitleJustice   TitleType = "justice"
)

// Message is one parsed chat line.
type Message struct {
	AllianceTag string
	PlayerName  string
	Message     string
	RawText     string
}

// titleKeywords are the full words that mark a message as a title
// request. Abbreviations are deliberately excluded here so a message is
// not matched twice; they only participate in type extraction.
var titleKeywords = []string{
	"duke", "scientist", "architect", "justice",
	"title", "titulo", "titre", "titlu",
}

const circledDigits = "①②③④⑤⑥⑦⑧⑨⑩"

var circleDigitMap = map[rune]rune{
	'①': '1', '②': '2', '③': '3', '④': '4', '⑤': '5',
	'⑥': '6', '⑦': '7', '⑧': '8', '⑨': '9', '⑩': '0',
}

var (
	// OCR reads the closing bracket of a tag as a lowercase 'l':
	// "[F28AlWATUZI" -> "[F28A]WATUZI".
	tagLostBracketL = regexp.MustCompile(`\[([A-Z0-9` + circledDigits + `]{3,4})l([A-Z])`)

	// OCR collapses "]E" into "J": "[F28AJED LOBO" -> "[F28A]ED LOBO".
	// Requires an all-caps word start after, to avoid touching real Js.
	tagLostBracketJ = regexp.MustCompile(`\[([A-Z0-9` + circledDigits + `]{3,4})J([A-Z]{2}\s)`)

	// General bracket loss: a 3-4 char tag glued straight onto a name.
	// The extra captured rune stands in for a "not followed by ]" guard:
	// correct tags never match because ']' fails both the letter class
	// and the trailing class.
	tagLostBracket = regexp.MustCompile(`\[([A-Z0-9` + circledDigits + `]{3,4})([A-Za-z])([^\]]|$)`)

	collapseSpaces = regexp.MustCompile(`\s+`)

	// [TAG]PlayerName: keyword. The name may contain spaces, so it runs
	// to the first colon or bracket. The trailing group guards against
	// matching inside a longer word ("dukeplease").
	taggedRequest = regexp.MustCompile(
		`(?i)\[([A-Za-z0-9` + circledDigits + `]{1,8})\]([^:\[]+?)(?:[\s:]+)?` +
			`(duke|scientist|architect|justice|title|titulo|titre|titlu)([^\p{L}\p{N}]|$)`)

	trailingNameJunk = regexp.MustCompile(`[:\s]+$`)
)

// keywordPatterns match each title keyword with an end guard so glued
// prefixes still hit ("WATUZiduke") but longer words do not.
var keywordPatterns = func() map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp, len(titleKeywords))
	for _, kw := range titleKeywords {
		out[kw] = regexp.MustCompile(`(?i)(` + kw + `)([^\p{L}\p{N}]|$)`)
	}
	return out
}()

// CleanOCRText strips control characters and repairs the bracket and
// punctuation confusions tesseract habitually produces around alliance
// tags.
func CleanOCRText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r == '\n' || r == '\t':
			b.WriteRune(r)
		case unicode.Is(unicode.Zs, r):
			b.WriteRune(' ')
		case unicode.In(r, unicode.L, unicode.N, unicode.P, unicode.S):
			b.WriteRune(r)
		}
	}
	cleaned := b.String()

	replacer := strings.NewReplacer(
		"|", "]",
		"(", "[",
		")", "]",
		"ﬂ", "",
		"ﬁ", "",
		"﹥", ":",
		"﹕", ":",
	)
	cleaned = replacer.Replace(cleaned)

	cleaned = tagLostBracketL.ReplaceAllString(cleaned, "[$1]$2")
	cleaned = tagLostBracketJ.ReplaceAllString(cleaned, "[$1]$2")
	cleaned = tagLostBracket.ReplaceAllString(cleaned, "[$1]$2$3")

	cleaned = collapseSpaces.ReplaceAllString(cleaned, " ")
	return strings.TrimSpace(cleaned)
}

// NormalizeTag maps circled digits and the usual letter/digit
// confusions back to the characters alliance tags actually use.
func NormalizeTag(tag string) string {
	var b strings.Builder
	b.Grow(len(tag))
	for _, r := range tag {
		if d, ok := circleDigitMap[r]; ok {
			b.WriteRune(d)
			continue
		}
		switch r {
		case 'O', 'o':
			b.WriteRune('0')
		case 'l', 'I':
			b.WriteRune('1')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// normalizePlayerName fixes OCR artifacts in names without applying the
// aggressive letter-to-digit mapping tags get, which would corrupt real
// names.
func normalizePlayerName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if d, ok := circleDigitMap[r]; ok {
			b.WriteRune(d)
		} else {
			b.WriteRune(r)
		}
	}
	result := b.String()

	// Latin names sometimes pick up leading CJK UI fragments; drop
	// everything before the first ASCII letter.
	if idx := strings.IndexFunc(result, isASCIILetter); idx > 0 {
		result = result[idx:]
	}

	for _, sep := range []string{"ーーー", "---", "———"} {
		if i := strings.LastIndex(result, sep); i >= 0 {
			result = result[i+len(sep):]
		}
	}

	// A leading lowercase 'l' before an uppercase letter is an OCR'd
	// closing bracket: "lWATUZI" -> "WATUZI".
	runes := []rune(result)
	if len(runes) >= 2 && runes[0] == 'l' && unicode.IsUpper(runes[1]) {
		result = string(runes[1:])
	}

	return strings.TrimSpace(result)
}

func isASCIILetter(r rune) bool {
	return (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')
}

// cleanMessage trims OCR garbage after the title keyword, keeping at
// most one short plain word of continuation ("duke please").
func cleanMessage(message string) string {
	lower := strings.ToLower(message)
	for _, kw := range []string{"duke", "scientist", "architect", "justice"} {
		start := strings.Index(lower, kw)
		if start < 0 {
			continue
		}
		end := start + len(kw)
		remaining := strings.TrimSpace(message[end:])
		if remaining != "" {
			words := strings.Fields(remaining)
			if len(words) > 0 && len(words[0]) < 10 && isAlphaWord(words[0]) {
				return message[:end] + " " + words[0]
			}
		}
		return message[:end]
	}
	return message
}

func isAlphaWord(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

type span struct {
	start, end int
	keyword    string
}

// ParseMessages parses a block of OCR chat text into messages. Lines
// are joined first because OCR splits single messages across lines.
// Each player appears at most once in the result; the first occurrence
// wins.
func ParseMessages(ocrText string) []Message {
	if ocrText == "" {
		return nil
	}
	text := CleanOCRText(ocrText)

	var parts []string
	for _, line := range strings.Split(text, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			parts = append(parts, s)
		}
	}
	joined := strings.Join(parts, " ")

	// Every keyword occurrence, in text order.
	var titleSpans []span
	for _, kw := range titleKeywords {
		for _, m := range keywordPatterns[kw].FindAllStringSubmatchIndex(joined, -1) {
			titleSpans = append(titleSpans, span{start: m[2], end: m[3], keyword: kw})
		}
	}
	sort.Slice(titleSpans, func(i, j int) bool { return titleSpans[i].start < titleSpans[j].start })

	var messages []Message
	var taggedRanges []span

	// Pass 1: tagged requests ("[TAG]Name: duke").
	for _, m := range taggedRequest.FindAllStringSubmatchIndex(joined, -1) {
		tag := NormalizeTag(joined[m[2]:m[3]])
		name := strings.TrimSpace(joined[m[4]:m[5]])
		keyword := strings.ToLower(joined[m[6]:m[7]])

		name = trailingNameJunk.ReplaceAllString(name, "")
		name = normalizePlayerName(CleanOCRText(name))

		if name != "" && keyword != "" {
			messages = append(messages, Message{
				AllianceTag: tag,
				PlayerName:  name,
				Message:     keyword,
				RawText:     joined[m[0]:m[7]],
			})
			taggedRanges = append(taggedRanges, span{start: m[0], end: m[7]})
		}
	}

	// Pass 2: untagged requests, located by keyword position.
	for _, ts := range titleSpans {
		inTagged := false
		for _, tr := range taggedRanges {
			if tr.start <= ts.start && ts.start <= tr.end {
				inTagged = true
				break
			}
		}
		if inTagged {
			continue
		}

		// The name runs from the end of the previous keyword up to the
		// separator before this one.
		nameEnd := ts.start
		for nameEnd > 0 && (joined[nameEnd-1] == ' ' || joined[nameEnd-1] == ':') {
			nameEnd--
		}
		prevEnd := 0
		for _, other := range titleSpans {
			if other.end < nameEnd && other.end > prevEnd {
				prevEnd = other.end
			}
		}
		nameStart := prevEnd
		for nameStart < nameEnd && (joined[nameStart] == ' ' || joined[nameStart] == ':') {
			nameStart++
		}

		name := strings.TrimSpace(joined[nameStart:nameEnd])
		name = normalizePlayerName(CleanOCRText(name))
		if len([]rune(name)) < 2 || strings.HasPrefix(name, "ー") {
			continue
		}

		duplicate := false
		for _, m := range messages {
			if strings.EqualFold(m.PlayerName, name) {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		messages = append(messages, Message{
			PlayerName: name,
			Message:    ts.keyword,
			RawText:    name + " " + ts.keyword,
		})
	}

	// Final dedup by player, keeping the first occurrence.
	seen := make(map[string]bool)
	unique := messages[:0]
	for _, m := range messages {
		key := strings.ToLower(m.PlayerName)
		if seen[key] {
			continue
		}
		seen[key] = true
		m.Message = cleanMessage(m.Message)
		unique = append(unique, m)
	}
	return unique
}

// FindTitleRequests filters messages down to the ones asking for a
// title.
func FindTitleRequests(messages []Message) []Message {
	var requests []Message
	for _, m := range messages {
		lower := strings.ToLower(m.Message)
		for _, kw := range titleKeywords {
			if strings.Contains(lower, kw) {
				requests = append(requests, m)
				break
			}
		}
	}
	return requests
}

// ExtractTitleType decides which title a message asks for. Checks run
// in fixed order so overlapping abbreviations resolve the same way
// every time. Messages naming no specific title fall back to scientist
// with ambiguous set, so callers can treat the guess differently.
func ExtractTitleType(message string) (title TitleType, ambiguous bool) {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "justice") || strings.Contains(lower, "jus"):
		return TitleJustice, false
	case strings.Contains(lower, "duke") || strings.Contains(lower, "duk"):
		return TitleDuke, false
	case strings.Contains(lower, "architect") || strings.Contains(lower, "arch"):
		return TitleArchitect, false
	case strings.Contains(lower, "scientist") || strings.Contains(lower, "sci"):
		return TitleScientist, false
	}
	return TitleScientist, true
}

package chat

import (
	"testing"
)

func TestParseTaggedRequest(t *testing.T) {
	messages := ParseMessages("[F28A]HolyDeeW: duke")
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(messages))
	}
	m := messages[0]
	if m.AllianceTag != "F28A" {
		t.Errorf("tag = %q, want F28A", m.AllianceTag)
	}
	if m.PlayerName != "HolyDeeW" {
		t.Errorf("name = %q, want HolyDeeW", m.PlayerName)
	}
	if m.Message != "duke" {
		t.Errorf("message = %q, want duke", m.Message)
	}
}

func TestParseRepairsLostBracket(t *testing.T) {
	messages := ParseMessages("[F28AlWATUZI scientist")
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1: %+v", len(messages), messages)
	}
	m := messages[0]
	if m.AllianceTag != "F28A" {
		t.Errorf("tag = %q, want F28A", m.AllianceTag)
	}
	if m.PlayerName != "WATUZI" {
		t.Errorf("name = %q, want WATUZI", m.PlayerName)
	}
	if m.Message != "scientist" {
		t.Errorf("message = %q, want scientist", m.Message)
	}
}

func TestParseRepairsCollapsedBracketJ(t *testing.T) {
	messages := ParseMessages("[F28AJED LOBO: title")
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1: %+v", len(messages), messages)
	}
	m := messages[0]
	if m.AllianceTag != "F28A" {
		t.Errorf("tag = %q, want F28A", m.AllianceTag)
	}
	if m.PlayerName != "ED LOBO" {
		t.Errorf("name = %q, want %q", m.PlayerName, "ED LOBO")
	}
}

func TestParseUntaggedNameWithSpaces(t *testing.T) {
	messages := ParseMessages("holydeew farm04 duke")
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1: %+v", len(messages), messages)
	}
	m := messages[0]
	if m.AllianceTag != "" {
		t.Errorf("tag should be empty, got %q", m.AllianceTag)
	}
	if m.PlayerName != "holydeew farm04" {
		t.Errorf("name = %q, want %q", m.PlayerName, "holydeew farm04")
	}
	if m.Message != "duke" {
		t.Errorf("message = %q, want duke", m.Message)
	}
}

func TestParseMixedTaggedAndUntagged(t *testing.T) {
	messages := ParseMessages("[F28A]HolyDeeW: duke WATUZI scientist")
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2: %+v", len(messages), messages)
	}
	if messages[0].PlayerName != "HolyDeeW" || messages[0].Message != "duke" {
		t.Errorf("first message wrong: %+v", messages[0])
	}
	if messages[1].PlayerName != "WATUZI" || messages[1].Message != "scientist" {
		t.Errorf("second message wrong: %+v", messages[1])
	}
}

func TestParseDeduplicatesByPlayer(t *testing.T) {
	messages := ParseMessages("[F28A]Bob: duke\n[F28A]Bob: duke")
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1: %+v", len(messages), messages)
	}
	// Case differences still collapse.
	messages = ParseMessages("[F28A]Bob: duke\n[F28A]BOB: scientist")
	if len(messages) != 1 {
		t.Fatalf("case-insensitive dedup failed: %+v", messages)
	}
	if messages[0].Message != "duke" {
		t.Errorf("first occurrence should win, got %q", messages[0].Message)
	}
}

func TestParseIgnoresKeywordInsideWord(t *testing.T) {
	if messages := ParseMessages("that guy dukeplease is chatting"); len(messages) != 0 {
		t.Errorf("keyword inside a longer word must not match: %+v", messages)
	}
	// Glued onto the name end is still a hit.
	if messages := ParseMessages("WATUZiduke"); len(messages) != 1 {
		t.Errorf("keyword glued to name end should match: %+v", messages)
	}
}

func TestParseEmptyInput(t *testing.T) {
	if messages := ParseMessages(""); messages != nil {
		t.Errorf("empty input should yield nil, got %+v", messages)
	}
	if messages := ParseMessages("just some random chatter"); len(messages) != 0 {
		t.Errorf("chatter without keywords should yield nothing: %+v", messages)
	}
}

func TestCleanOCRTextConfusions(t *testing.T) {
	cases := []struct{ in, want string }{
		{"[F28A|Bob: duke", "[F28A]Bob: duke"},
		{"(F28A)Bob: duke", "[F28A]Bob: duke"},
		{"[F28AlWATUZI", "[F28A]WATUZI"},
		{"[F28AED LOBO", "[F28A]ED LOBO"},
		{"a   lot   of   space", "a lot of space"},
	}
	for _, c := range cases {
		if got := CleanOCRText(c.in); got != c.want {
			t.Errorf("CleanOCRText(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestCleanOCRTextIsIdempotent(t *testing.T) {
	samples := []string{
		"[F28A]HolyDeeW: duke",
		"[F28AlWATUZI scientist",
		"(F28A)Bob: duke",
		"weird​zero​width",
	}
	for _, s := range samples {
		once := CleanOCRText(s)
		twice := CleanOCRText(once)
		if once != twice {
			t.Errorf("cleaning not idempotent for %q: %q -> %q", s, once, twice)
		}
	}
}

func TestCleanOCRTextPreservesCorrectTags(t *testing.T) {
	in := "[F28A]ED LOBO: title"
	if got := CleanOCRText(in); got != in {
		t.Errorf("correct tag was mangled: %q -> %q", in, got)
	}
}

func TestNormalizeTag(t *testing.T) {
	cases := []struct{ in, want string }{
		{"F2①A", "F21A"},
		{"OIlo", "0110"},
		{"F28A", "F28A"},
	}
	for _, c := range cases {
		if got := NormalizeTag(c.in); got != c.want {
			t.Errorf("NormalizeTag(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizePlayerNameKeepsLetters(t *testing.T) {
	// Tag-style normalization must not run on names.
	if got := normalizePlayerName("Oliver"); got != "Oliver" {
		t.Errorf("name letters corrupted: %q", got)
	}
	if got := normalizePlayerName("lWATUZI"); got != "WATUZI" {
		t.Errorf("leading bracket artifact kept: %q", got)
	}
	// A circled digit maps to its plain form and then falls to the
	// leading-fragment strip, like any other pre-name artifact.
	if got := normalizePlayerName("①Tiger"); got != "Tiger" {
		t.Errorf("leading artifact kept: %q", got)
	}
}

func TestFindTitleRequests(t *testing.T) {
	messages := []Message{
		{PlayerName: "a", Message: "duke"},
		{PlayerName: "b", Message: "hello there"},
		{PlayerName: "c", Message: "titulo"},
	}
	requests := FindTitleRequests(messages)
	if len(requests) != 2 {
		t.Fatalf("got %d requests, want 2", len(requests))
	}
	if requests[0].PlayerName != "a" || requests[1].PlayerName != "c" {
		t.Errorf("wrong requests selected: %+v", requests)
	}
}

func TestExtractTitleType(t *testing.T) {
	cases := []struct {
		in        string
		want      TitleType
		ambiguous bool
	}{
		{"justice please", TitleJustice, false},
		{"give me duke", TitleDuke, false},
		{"duk", TitleDuke, false},
		{"architect", TitleArchitect, false},
		{"arch pls", TitleArchitect, false},
		{"scientist", TitleScientist, false},
		{"sci", TitleScientist, false},
		{"title", TitleScientist, true},
		{"titulo", TitleScientist, true},
		// Keyword priority is fixed: justice wins over duke.
		{"jus duk", TitleJustice, false},
	}
	for _, c := range cases {
		got, ambiguous := ExtractTitleType(c.in)
		if got != c.want || ambiguous != c.ambiguous {
			t.Errorf("ExtractTitleType(%q) = %s/%v, want %s/%v", c.in, got, ambiguous, c.want, c.ambiguous)
		}
	}
}

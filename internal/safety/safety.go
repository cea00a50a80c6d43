// Package safety is the last-mile text gate. ScanUserInput looks for crisis
// language in what the user wrote; ScanAIOutput checks generated text before
// it is sent. Both are deterministic string matching over fixed tables.
package safety

import (
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// MaxScanRunes bounds the scanned text length.
const MaxScanRunes = 2000

// Source names where AI text is headed, which picks the fallback.
type Source string

const (
	SourceChat  Source = "chat"
	SourceNudge Source = "nudge"
)

// CrisisDetectionResult is the outcome of scanning user input.
type CrisisDetectionResult struct {
	Detected               bool                  `json:"detected"`
	Severity               models.SafetySeverity `json:"severity"`
	MatchedPhrases         []string              `json:"matched_phrases,omitempty"`
	Resources              []Resource            `json:"resources,omitempty"`
	RequiresCrisisResponse bool                  `json:"requires_crisis_response"`
	Message                string                `json:"message,omitempty"`
	TableVersion           string                `json:"table_version"`
}

// AIOutputScanResult is the outcome of scanning generated text. Text is what
// may be sent: the original when safe, otherwise the fallback.
type AIOutputScanResult struct {
	Safe           bool                  `json:"safe"`
	Severity       models.SafetySeverity `json:"severity"`
	MatchedPhrases []string              `json:"matched_phrases,omitempty"`
	Suppressed     bool                  `json:"suppressed"`
	Text           string                `json:"text"`
	Source         Source                `json:"source"`
	TableVersion   string                `json:"table_version"`
}

// Verdict converts the scan into the candidate's safety verdict.
func (r AIOutputScanResult) Verdict() models.SafetyVerdict {
	return models.SafetyVerdict{Safe: r.Safe, Severity: r.Severity, MatchedPhrases: r.MatchedPhrases}
}

// ScanUserInput finds the highest non-excluded crisis severity in text.
func ScanUserInput(text string) CrisisDetectionResult {
	norm := Normalize(text)
	res := CrisisDetectionResult{Severity: models.SafetyNone, TableVersion: TableVersion}
	for _, kw := range crisisKeywords {
		if !matches(norm, kw.Phrase, kw.Exclusions) {
			continue
		}
		res.MatchedPhrases = append(res.MatchedPhrases, kw.Phrase)
		if kw.Severity.Rank() > res.Severity.Rank() {
			res.Severity = kw.Severity
		}
	}
	if len(res.MatchedPhrases) == 0 {
		return res
	}

	res.Detected = true
	res.Resources = ResourcesFor(res.Severity)
	switch res.Severity {
	case models.SafetyHigh:
		res.RequiresCrisisResponse = true
		res.Message = crisisMessageHigh
	case models.SafetyMedium:
		res.RequiresCrisisResponse = true
		res.Message = crisisMessageMedium
	}
	slog.Warn("safety.ScanUserInput: crisis language detected", "severity", res.Severity, "matches", len(res.MatchedPhrases))
	return res
}

// ScanAIOutput checks generated text against the AI block list and the
// crisis table without exclusions. Any match is high severity and the text is
// replaced by the fallback for source.
func ScanAIOutput(text string, source Source) AIOutputScanResult {
	norm := Normalize(text)
	res := AIOutputScanResult{Safe: true, Severity: models.SafetyNone, Text: text, Source: source, TableVersion: TableVersion}

	for _, p := range aiBlockedPhrases {
		if matches(norm, p, nil) {
			res.MatchedPhrases = append(res.MatchedPhrases, p)
		}
	}
	for _, kw := range crisisKeywords {
		if matches(norm, kw.Phrase, nil) {
			res.MatchedPhrases = append(res.MatchedPhrases, kw.Phrase)
		}
	}
	if len(res.MatchedPhrases) == 0 {
		return res
	}

	res.Safe = false
	res.Severity = models.SafetyHigh
	res.Suppressed = true
	res.Text = Fallback(source)
	slog.Warn("safety.ScanAIOutput: generated text replaced", "source", source, "matches", res.MatchedPhrases)
	return res
}

// Fallback returns the fixed replacement text for a source.
func Fallback(source Source) string {
	if source == SourceChat {
		return FallbackChat
	}
	return FallbackNudge
}

// ResourcesFor returns the priority-ordered resources for a severity.
func ResourcesFor(s models.SafetySeverity) []Resource {
	n := resourceCounts[s]
	if n > len(crisisResources) {
		n = len(crisisResources)
	}
	out := make([]Resource, n)
	copy(out, crisisResources[:n])
	return out
}

var apostrophes = strings.NewReplacer("‘", "'", "’", "'", "ʼ", "'", "`", "'", "´", "'")

// Normalize folds case and apostrophes, collapses whitespace and truncates
// to MaxScanRunes.
func Normalize(text string) string {
	text = strings.Join(strings.Fields(apostrophes.Replace(strings.ToLower(text))), " ")
	if utf8.RuneCountInString(text) > MaxScanRunes {
		text = string([]rune(text)[:MaxScanRunes])
	}
	return text
}

type span struct{ start, end int }

// occurrences returns the word-bounded byte spans of phrase in text.
func occurrences(text, phrase string) []span {
	var out []span
	for from := 0; from <= len(text)-len(phrase); {
		i := strings.Index(text[from:], phrase)
		if i < 0 {
			break
		}
		s := from + i
		e := s + len(phrase)
		if boundaryBefore(text, s) && boundaryAfter(text, e) {
			out = append(out, span{s, e})
		}
		from = s + 1
	}
	return out
}

// matches reports whether phrase occurs at least once without an exclusion
// phrase spanning that occurrence.
func matches(text, phrase string, exclusions []string) bool {
	occ := occurrences(text, phrase)
	if len(occ) == 0 {
		return false
	}
	var vetoes []span
	for _, x := range exclusions {
		vetoes = append(vetoes, occurrences(text, x)...)
	}
	for _, o := range occ {
		vetoed := false
		for _, v := range vetoes {
			if v.start <= o.start && v.end >= o.end {
				vetoed = true
				break
			}
		}
		if !vetoed {
			return true
		}
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\''
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !isWordRune(r)
}

func boundaryAfter(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return !isWordRune(r)
}

package safety

import "github.com/BTreeMap/CoachPipe/internal/models"

// TableVersion identifies the keyword tables below. Bump it on any change so
// audit records can be replayed against the table that produced them.
const TableVersion = "2026.03.1"

// Keyword maps a phrase to a severity. An exclusion phrase that spans an
// occurrence of the keyword vetoes that occurrence.
type Keyword struct {
	Phrase     string                `json:"phrase"`
	Severity   models.SafetySeverity `json:"severity"`
	Exclusions []string              `json:"exclusions,omitempty"`
}

var crisisKeywords = []Keyword{
	{Phrase: "suicide", Severity: models.SafetyHigh, Exclusions: []string{
		"suicide sprint", "suicide sprints", "suicide drill", "suicide drills", "suicide runs", "suicide squad",
	}},
	{Phrase: "suicidal", Severity: models.SafetyHigh},
	{Phrase: "kill myself", Severity: models.SafetyHigh},
	{Phrase: "killing myself", Severity: models.SafetyHigh},
	{Phrase: "end my life", Severity: models.SafetyHigh},
	{Phrase: "take my own life", Severity: models.SafetyHigh},
	{Phrase: "want to die", Severity: models.SafetyHigh},
	{Phrase: "better off dead", Severity: models.SafetyHigh},
	{Phrase: "no reason to live", Severity: models.SafetyHigh},
	{Phrase: "overdose", Severity: models.SafetyHigh},

	{Phrase: "self harm", Severity: models.SafetyMedium},
	{Phrase: "self-harm", Severity: models.SafetyMedium},
	{Phrase: "hurt myself", Severity: models.SafetyMedium},
	{Phrase: "cutting myself", Severity: models.SafetyMedium},
	{Phrase: "can't go on", Severity: models.SafetyMedium},
	{Phrase: "starving myself", Severity: models.SafetyMedium},
	{Phrase: "hopeless", Severity: models.SafetyMedium},

	{Phrase: "dying", Severity: models.SafetyLow, Exclusions: []string{
		"dying to try", "dying to know", "dying to see", "dying to get",
	}},
	{Phrase: "killing", Severity: models.SafetyLow, Exclusions: []string{
		"killing it", "killing the game", "killing my workouts",
	}},
	{Phrase: "worthless", Severity: models.SafetyLow},
	{Phrase: "can't cope", Severity: models.SafetyLow},
	{Phrase: "burned out", Severity: models.SafetyLow},
}

// aiBlockedPhrases never belong in generated coaching text.
var aiBlockedPhrases = []string{
	"stop taking your medication",
	"stop your medication",
	"ignore your doctor",
	"you don't need a doctor",
	"as your doctor",
	"i am a doctor",
	"i diagnose",
	"you have depression",
	"you are depressed",
	"guaranteed to cure",
	"skip meals",
	"stop eating",
	"lose weight fast",
	"push through the pain",
}

// Resource is a crisis support contact.
type Resource struct {
	Name     string `json:"name"`
	Contact  string `json:"contact"`
	Priority int    `json:"priority"`
}

// crisisResources are ordered by priority; severity decides how many are shown.
var crisisResources = []Resource{
	{Name: "988 Suicide & Crisis Lifeline", Contact: "Call or text 988", Priority: 1},
	{Name: "Crisis Text Line", Contact: "Text HOME to 741741", Priority: 2},
	{Name: "Emergency services", Contact: "Call 911 or your local emergency number", Priority: 3},
}

var resourceCounts = map[models.SafetySeverity]int{
	models.SafetyHigh:   3,
	models.SafetyMedium: 2,
	models.SafetyLow:    1,
}

const (
	crisisMessageHigh = "It sounds like you're going through something really painful, and you don't have to face it alone. " +
		"Please reach out to one of these resources right now."
	crisisMessageMedium = "I'm really glad you told me. What you're feeling matters, and talking to someone can help. " +
		"These resources are available any time."

	// FallbackChat replaces a blocked chat reply.
	FallbackChat = "I want to make sure I give you guidance that's safe and helpful. " +
		"Could you tell me a little more about what you're looking for today?"
	// FallbackNudge replaces a blocked nudge.
	FallbackNudge = "Take a moment for yourself today. A glass of water and a few slow breaths are a great place to start."
)

// Keywords returns a copy of the crisis keyword table.
func Keywords() []Keyword {
	out := make([]Keyword, len(crisisKeywords))
	copy(out, crisisKeywords)
	return out
}

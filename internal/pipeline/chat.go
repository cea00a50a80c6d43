package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/safety"
)

// ChatReply is the answer to one user chat message.
type ChatReply struct {
	Reply     string                        `json:"reply"`
	Crisis    *safety.CrisisDetectionResult `json:"crisis,omitempty"`
	AIScan    *safety.AIOutputScanResult    `json:"ai_scan,omitempty"`
	Decision  models.Decision               `json:"decision"`
	Generated bool                          `json:"generated"`
}

// HandleChat answers a chat message. Crisis language in the user's text
// short-circuits generation entirely.
func (p *Pipeline) HandleChat(ctx context.Context, userID, text string, now time.Time) (ChatReply, error) {
	if userID == "" {
		return ChatReply{}, fmt.Errorf("pipeline: %w: %w", models.ErrMalformedInput, models.ErrEmptyUserID)
	}
	if strings.TrimSpace(text) == "" {
		return ChatReply{}, fmt.Errorf("pipeline: %w: %w", models.ErrMalformedInput, models.ErrEmptyText)
	}

	d := models.Decision{UserID: userID}
	crisis := safety.ScanUserInput(text)
	if crisis.RequiresCrisisResponse {
		d.Stage = models.StageSafety
		d.Outcome = models.OutcomeCrisisResponse
		d.Reason = models.ReasonCrisisDetected
		d.Message = CrisisReply(crisis)
		return ChatReply{Reply: d.Message, Crisis: &crisis, Decision: p.record(ctx, d, now)}, nil
	}

	out := ChatReply{}
	if crisis.Detected {
		out.Crisis = &crisis
	}
	generated, err := p.generate(ctx, models.GenerationRequest{UserID: userID, Kind: models.GenerationChat, UserMessage: text})
	if err != nil {
		slog.Error("pipeline.HandleChat: generation failed", "userID", userID, "error", err)
		d.Stage = models.StageGeneration
		d.Outcome = models.OutcomeSuppressed
		d.Reason = models.ReasonGenerationFailed
		d.Message = safety.FallbackChat
		out.Reply = safety.FallbackChat
		out.Decision = p.record(ctx, d, now)
		return out, nil
	}

	scan := safety.ScanAIOutput(generated, safety.SourceChat)
	out.AIScan = &scan
	out.Reply = scan.Text
	out.Generated = !scan.Suppressed
	d.Stage = models.StageSafety
	d.Outcome = models.OutcomeDelivered
	d.Message = scan.Text
	if scan.Suppressed {
		d.Reason = models.ReasonSafetyFallback
	}
	out.Decision = p.record(ctx, d, now)
	return out, nil
}

// CrisisReply formats the crisis message with its resources.
func CrisisReply(r safety.CrisisDetectionResult) string {
	var b strings.Builder
	b.WriteString(r.Message)
	for _, res := range r.Resources {
		fmt.Fprintf(&b, "\n- %s: %s", res.Name, res.Contact)
	}
	return b.String()
}

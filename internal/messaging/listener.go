package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
)

// ReplyFunc answers one inbound message. An empty reply sends nothing.
type ReplyFunc func(ctx context.Context, from, body string) (string, error)

// ReceiptRecorder persists delivery receipts.
type ReceiptRecorder interface {
	AddReceipt(ctx context.Context, r models.Receipt) error
}

// ListenerOpts holds configuration options for Listener.
type ListenerOpts struct {
	Dedup    store.DedupRepo
	Receipts ReceiptRecorder
}

// ListenerOption defines a configuration option for Listener.
type ListenerOption func(*ListenerOpts)

// WithDedup drops inbound messages whose provider id was already recorded.
func WithDedup(repo store.DedupRepo) ListenerOption {
	return func(o *ListenerOpts) { o.Dedup = repo }
}

// WithReceiptRecorder persists every receipt the channel emits.
func WithReceiptRecorder(r ReceiptRecorder) ListenerOption {
	return func(o *ListenerOpts) { o.Receipts = r }
}

// Listener consumes a channel's responses and receipts.
type Listener struct {
	ch       Channel
	reply    ReplyFunc
	dedup    store.DedupRepo
	receipts ReceiptRecorder
}

// NewListener creates a Listener answering inbound messages with reply.
func NewListener(ch Channel, reply ReplyFunc, opts ...ListenerOption) *Listener {
	var o ListenerOpts
	for _, opt := range opts {
		opt(&o)
	}
	return &Listener{ch: ch, reply: reply, dedup: o.Dedup, receipts: o.Receipts}
}

// Run blocks until ctx is done or both channel streams are closed.
func (l *Listener) Run(ctx context.Context) {
	responses := l.ch.Responses()
	receipts := l.ch.Receipts()
	slog.Info("Listener.Run: starting")
	for responses != nil || receipts != nil {
		select {
		case <-ctx.Done():
			slog.Info("Listener.Run: stopping")
			return
		case resp, ok := <-responses:
			if !ok {
				responses = nil
				continue
			}
			l.HandleResponse(ctx, resp)
		case r, ok := <-receipts:
			if !ok {
				receipts = nil
				continue
			}
			l.handleReceipt(ctx, r)
		}
	}
	slog.Info("Listener.Run: channel closed")
}

// HandleResponse answers one inbound message and reports whether a reply was sent.
func (l *Listener) HandleResponse(ctx context.Context, resp models.Response) bool {
	if l.dedup != nil && resp.ID != "" {
		fresh, err := l.dedup.RecordInbound(ctx, resp.ID, resp.From)
		if err != nil {
			slog.Error("Listener.HandleResponse: dedup record failed", "id", resp.ID, "error", err)
		} else if !fresh {
			slog.Debug("Listener.HandleResponse: duplicate inbound dropped", "id", resp.ID, "from", resp.From)
			return false
		}
	}

	text, err := l.reply(ctx, resp.From, resp.Body)
	if err != nil {
		slog.Error("Listener.HandleResponse: reply failed", "from", resp.From, "error", err)
		return false
	}
	sent := false
	if text != "" {
		if err := l.ch.SendMessage(ctx, resp.From, text); err != nil {
			slog.Error("Listener.HandleResponse: send failed", "from", resp.From, "error", err)
			return false
		}
		sent = true
	}
	if l.dedup != nil && resp.ID != "" {
		if err := l.dedup.MarkProcessed(ctx, resp.ID); err != nil {
			slog.Error("Listener.HandleResponse: mark processed failed", "id", resp.ID, "error", err)
		}
	}
	return sent
}

func (l *Listener) handleReceipt(ctx context.Context, r models.Receipt) {
	slog.Debug("Listener: receipt", "to", r.To, "status", r.Status)
	if l.receipts == nil {
		return
	}
	if err := l.receipts.AddReceipt(ctx, r); err != nil {
		slog.Error("Listener: add receipt failed", "to", r.To, "error", err)
	}
}

// Package bot – relay.go drives one streamed answer into one Feishu card:
// create, send, then a monotonically sequenced series of cumulative content
// updates as deltas arrive.
package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zxd147/feishu-client/pkg/relay/feishu"
)

// fallbackReply is shown in the card when the upstream call cannot be opened.
const fallbackReply = "调用LLM平台报错"

// CardUpdateError is a card update whose retries were exhausted. The relay is
// abandoned; the card keeps the last content that was applied.
type CardUpdateError struct {
	CardID   string
	Sequence int
	Attempts int
	Err      error
}

func (e *CardUpdateError) Error() string {
	return fmt.Sprintf("card %s update seq %d failed after %d attempts: %v",
		e.CardID, e.Sequence, e.Attempts, e.Err)
}

func (e *CardUpdateError) Unwrap() error { return e.Err }

// DeltaStream is the consumed side of a streamed completion. Satisfied by
// llm.CompletionStream.
type DeltaStream interface {
	Recv() (string, error)
	Answer() string
	Close() error
}

// Carder is the card surface of the Feishu client used by the relay.
type Carder interface {
	CreateCard(ctx context.Context) (string, error)
	SendCard(ctx context.Context, aud feishu.Audience, cardID string) error
	UpdateCard(ctx context.Context, cardID, content string, sequence int, token string) error
}

// cardRelay owns the per-reply card state: its id and the next update
// sequence number. Sequence numbering starts at 1 on the first content
// update after the card is sent.
type cardRelay struct {
	carder     Carder
	cardID     string
	seq        int
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

// newCardRelay creates the card and delivers it to the audience. The card
// shows its placeholder text until the first update lands.
func newCardRelay(ctx context.Context, carder Carder, aud feishu.Audience, maxRetries int, retryDelay time.Duration, logger *slog.Logger) (*cardRelay, error) {
	cardID, err := carder.CreateCard(ctx)
	if err != nil {
		return nil, err
	}
	if err := carder.SendCard(ctx, aud, cardID); err != nil {
		return nil, err
	}
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &cardRelay{
		carder:     carder,
		cardID:     cardID,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		logger:     logger,
	}, nil
}

// update applies the next cumulative content snapshot to the card. Each
// attempt carries a fresh idempotency token; a failed attempt waits the fixed
// delay before retrying, and exhaustion returns a CardUpdateError.
func (r *cardRelay) update(ctx context.Context, content string) error {
	r.seq++
	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		lastErr = r.carder.UpdateCard(ctx, r.cardID, content, r.seq, uuid.NewString())
		if lastErr == nil {
			return nil
		}
		r.logger.Warn("card update attempt failed",
			"card_id", r.cardID, "sequence", r.seq, "attempt", attempt, "error", lastErr)
		if attempt == r.maxRetries {
			break
		}
		select {
		case <-time.After(r.retryDelay):
		case <-ctx.Done():
			return &CardUpdateError{CardID: r.cardID, Sequence: r.seq, Attempts: attempt, Err: ctx.Err()}
		}
	}
	return &CardUpdateError{CardID: r.cardID, Sequence: r.seq, Attempts: r.maxRetries, Err: lastErr}
}

// relayStream pumps every delta of the stream into the card as cumulative
// content. Returns the complete answer text on success.
func (r *cardRelay) relayStream(ctx context.Context, stream DeltaStream) (string, error) {
	defer stream.Close()
	for {
		_, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.Answer(), nil
		}
		if err != nil {
			return stream.Answer(), err
		}
		if err := r.update(ctx, stream.Answer()); err != nil {
			return stream.Answer(), err
		}
	}
}

// relayFallback replaces the card's placeholder with the fixed error reply.
// Used when the upstream stream cannot be opened at all.
func (r *cardRelay) relayFallback(ctx context.Context) error {
	return r.update(ctx, fallbackReply)
}

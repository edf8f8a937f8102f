package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jholhewres/dmclaw/pkg/dmclaw/channels"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/composer"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/queue"
)

// FailureKind decides whether a failed message is retried.
type FailureKind int

const (
	// Retryable failures are claimed again until the attempt ceiling.
	Retryable FailureKind = iota
	// Permanent failures are pinned at the ceiling.
	Permanent
)

func (k FailureKind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "retryable"
}

// Classify maps a delivery error to its failure kind.
func Classify(err error) FailureKind {
	if channels.IsPermanent(err) {
		return Permanent
	}
	return Retryable
}

var errEmptyReply = errors.New("composed reply is empty")

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeResponded
	outcomeSkipped
)

const logExcerptRunes = 160

// handle takes one claimed message to a terminal or failed state. The
// returned error is reserved for queue writes that did not land.
func (r *Responder) handle(ctx context.Context, logger *slog.Logger, msg queue.ClaimedMessage, seen *batchSet) (outcome, error) {
	// State writes must land even when the batch is being cancelled.
	keep := context.WithoutCancel(ctx)

	if strings.TrimSpace(msg.SenderExternalID) == "" {
		return r.fail(keep, logger, msg, fmt.Errorf("%w: sender has no external id", channels.ErrInvalidRecipient), Permanent)
	}

	answered, err := r.queue.HasOutboundSince(ctx, msg)
	if err != nil {
		return r.fail(keep, logger, msg, err, Retryable)
	}
	if answered {
		attributed, err := r.queue.MarkRespondedFromExistingOutbound(keep, msg.ID)
		if err != nil {
			return outcomeFailed, err
		}
		if !attributed {
			if err := r.queue.MarkNotApplicable(keep, msg.ID, ReasonAnsweredExternally); err != nil {
				return outcomeFailed, err
			}
		}
		logger.Info("skipping message answered elsewhere", "attributed", attributed)
		return outcomeSkipped, nil
	}

	reply, err := r.compose(ctx, msg)
	if err != nil {
		return r.fail(keep, logger, msg, fmt.Errorf("compose: %w", err), Retryable)
	}
	text := strings.TrimSpace(reply.Text)
	if text == "" {
		return r.fail(keep, logger, msg, errEmptyReply, Retryable)
	}

	key := batchKey{recipient: strings.TrimSpace(msg.SenderExternalID), text: text}
	if !seen.reserve(key) {
		return r.skip(keep, logger, msg, ReasonDuplicateInBatch)
	}
	dup, err := r.queue.TextAlreadySent(ctx, msg, text)
	if err != nil {
		seen.release(key)
		return r.fail(keep, logger, msg, err, Retryable)
	}
	if dup {
		seen.release(key)
		return r.skip(keep, logger, msg, ReasonDuplicateSent)
	}

	if r.opts.DryRun {
		logger.Info("dry-run reply", "recipient", msg.SenderExternalID, "rule", reply.Rule, "text", excerpt(text))
		if err := r.queue.MarkResponded(keep, msg.ID, DryRunExternalID); err != nil {
			return outcomeFailed, err
		}
		return outcomeResponded, nil
	}

	sendCtx, cancel := context.WithTimeout(keep, r.opts.SendTimeout)
	externalID, err := r.sender.SendDirect(sendCtx, msg.SenderExternalID, text)
	cancel()
	if err != nil {
		seen.release(key)
		return r.fail(keep, logger, msg, fmt.Errorf("send via %s: %w", r.sender.Name(), err), Classify(err))
	}

	if err := r.queue.MarkResponded(keep, msg.ID, externalID); err != nil {
		logger.Error("reply sent but state not recorded", "external_id", externalID, "error", err)
		return outcomeResponded, err
	}
	if r.opts.RecordOutbound {
		if err := r.queue.RecordOutbound(keep, msg, externalID, text, r.now()); err != nil {
			logger.Warn("failed to record outbound message", "external_id", externalID, "error", err)
		}
	}
	logger.Info("replied", "external_id", externalID, "rule", reply.Rule, "llm", reply.UsedLLM, "cost_usd", reply.CostUSD)
	return outcomeResponded, nil
}

func (r *Responder) compose(ctx context.Context, msg queue.ClaimedMessage) (composer.Reply, error) {
	if r.opts.Mode == ModeTemplate {
		return composer.Reply{Text: composer.RenderTemplate(r.opts.Template, msg, r.now()), Rule: ModeTemplate}, nil
	}
	return r.composer.Compose(ctx, msg)
}

func (r *Responder) skip(ctx context.Context, logger *slog.Logger, msg queue.ClaimedMessage, reason string) (outcome, error) {
	if err := r.queue.MarkNotApplicable(ctx, msg.ID, reason); err != nil {
		return outcomeFailed, err
	}
	logger.Info("skipping duplicate reply", "reason", reason)
	return outcomeSkipped, nil
}

func (r *Responder) fail(ctx context.Context, logger *slog.Logger, msg queue.ClaimedMessage, cause error, kind FailureKind) (outcome, error) {
	exhausted := kind == Permanent || msg.Attempts >= r.opts.MaxRetries
	logger.Warn("failed to respond", "kind", kind.String(), "attempts", msg.Attempts, "exhausted", exhausted, "error", cause)
	if err := r.queue.MarkFailed(ctx, msg.ID, cause.Error(), kind == Permanent); err != nil {
		return outcomeFailed, err
	}
	return outcomeFailed, nil
}

func excerpt(s string) string {
	if r := []rune(s); len(r) > logExcerptRunes {
		return string(r[:logExcerptRunes]) + "..."
	}
	return s
}

// Package outbox delivers messages composed while offline. Messages are
// written locally first (see cache.ChatCache.SendTo) and queued; the sender
// drains the queue whenever the owner of an entry is signed in.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/lcsync/internal/bus"
	"github.com/matheus3301/lcsync/internal/errs"
	"github.com/matheus3301/lcsync/internal/remote"
	"github.com/matheus3301/lcsync/internal/store"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

// Defaults for Options.
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultPerSecond    = 5
	DefaultMaxAttempts  = 3
)

// MessageSender is the interface for delivering a text message to the server.
type MessageSender interface {
	SendMessage(ctx context.Context, convID, clientMsgID, text string) (remote.SentMessage, error)
}

// Queue is the part of the local store holding the outbox.
type Queue interface {
	PendingOutbox(ctx context.Context) ([]store.OutboxEntry, error)
	MarkOutboxSending(ctx context.Context, clientMsgID string) error
	MarkOutboxSent(ctx context.Context, clientMsgID, serverMsgID string) error
	MarkOutboxFailed(ctx context.Context, clientMsgID, errMsg string) error
	RequeueOutbox(ctx context.Context, clientMsgID string) error
	RecoverOutbox(ctx context.Context) (int64, error)
}

// DeliverySink records the delivery status of the local message row.
type DeliverySink interface {
	MarkDelivery(ctx context.Context, owner, convID, msgID string, status int, seq *int64) error
}

// Options tunes the sender loop.
type Options struct {
	PollInterval time.Duration
	PerSecond    int
	MaxAttempts  int
}

// Ack is the payload of message.send_ack.
type Ack struct {
	Owner       string
	ConvID      string
	ClientMsgID string
	ServerMsgID string
	Seq         int64
}

// Failure is the payload of message.send_failed.
type Failure struct {
	Owner       string
	ConvID      string
	ClientMsgID string
	Error       string
	Retrying    bool
}

// Sender drains the outbox and sends messages through the remote API.
type Sender struct {
	queue   Queue
	api     MessageSender
	sink    DeliverySink
	owner   func() string
	bus     *bus.Bus
	logger  *zap.Logger
	limiter ratelimit.Limiter
	opts    Options
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSender creates a new outbox sender. owner reports the signed-in user;
// only that user's entries are sent.
func NewSender(queue Queue, api MessageSender, sink DeliverySink, owner func() string, b *bus.Bus, logger *zap.Logger, opts Options) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PerSecond <= 0 {
		opts.PerSecond = DefaultPerSecond
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Sender{
		queue:   queue,
		api:     api,
		sink:    sink,
		owner:   owner,
		bus:     b,
		logger:  logger,
		limiter: ratelimit.New(opts.PerSecond),
		opts:    opts,
	}
}

// Start requeues entries a previous run left mid-send, then begins polling
// the outbox.
func (s *Sender) Start(ctx context.Context) {
	s.Recover(ctx)
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for an in-flight batch.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Recover moves entries stuck in 'sending' back to the queue.
func (s *Sender) Recover(ctx context.Context) int64 {
	n, err := s.queue.RecoverOutbox(ctx)
	if err != nil {
		s.logger.Warn("failed to recover outbox", zap.Error(err))
		return 0
	}
	if n > 0 {
		s.logger.Info("requeued interrupted sends", zap.Int64("count", n))
	}
	return n
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Flush(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Flush sends every queued entry of the signed-in owner once and returns the
// number delivered.
func (s *Sender) Flush(ctx context.Context) int {
	owner := s.owner()
	if owner == "" {
		return 0
	}
	pending, err := s.queue.PendingOutbox(ctx)
	if err != nil {
		s.logger.Warn("failed to read outbox", zap.Error(err))
		return 0
	}

	sent := 0
	for _, entry := range pending {
		if entry.Owner != owner {
			continue
		}
		if ctx.Err() != nil {
			return sent
		}
		ok, stop := s.send(ctx, entry)
		if ok {
			sent++
		}
		if stop {
			break
		}
	}
	return sent
}

// send delivers one entry. stop is set when the session became invalid and
// the rest of the batch must wait for a new sign-in.
func (s *Sender) send(ctx context.Context, entry store.OutboxEntry) (ok, stop bool) {
	log := s.logger.With(zap.String("client_msg_id", entry.ClientMsgID), zap.String("conv", entry.ConvID))

	if err := s.queue.MarkOutboxSending(ctx, entry.ClientMsgID); err != nil {
		log.Warn("failed to mark sending", zap.Error(err))
		return false, false
	}

	s.limiter.Take()
	ack, err := s.api.SendMessage(ctx, entry.ConvID, entry.ClientMsgID, entry.Body)
	if err != nil {
		return false, s.fail(ctx, log, entry, err)
	}

	// The server has the message; record it even if the loop is stopping.
	record := context.WithoutCancel(ctx)
	if err := s.queue.MarkOutboxSent(record, entry.ClientMsgID, ack.MsgID); err != nil {
		log.Warn("failed to mark sent", zap.Error(err))
	}
	seq := ack.Seq
	if s.sink != nil {
		_ = s.sink.MarkDelivery(record, entry.Owner, entry.ConvID, entry.ClientMsgID, store.MessageSent, &seq)
	}

	log.Info("message sent", zap.String("server_msg_id", ack.MsgID))
	s.bus.Emit(bus.KindMessageSendAck, Ack{
		Owner:       entry.Owner,
		ConvID:      entry.ConvID,
		ClientMsgID: entry.ClientMsgID,
		ServerMsgID: ack.MsgID,
		Seq:         ack.Seq,
	})
	return true, false
}

// fail records a failed attempt. Network failures are requeued until
// MaxAttempts; an invalid session requeues the entry and stops the batch.
// An attempt cut short by ctx is always requeued and stops the batch.
func (s *Sender) fail(ctx context.Context, log *zap.Logger, entry store.OutboxEntry, sendErr error) (stop bool) {
	interrupted := ctx.Err() != nil
	ctx = context.WithoutCancel(ctx)
	attempts := entry.Attempts + 1
	authGone := errors.Is(sendErr, errs.ErrAuthInvalid)
	retry := authGone || interrupted || (errors.Is(sendErr, errs.ErrNetwork) && attempts < s.opts.MaxAttempts)

	log.Warn("failed to send message", zap.Error(sendErr), zap.Int("attempts", attempts), zap.Bool("retrying", retry))
	if err := s.queue.MarkOutboxFailed(ctx, entry.ClientMsgID, sendErr.Error()); err != nil {
		log.Warn("failed to mark failed", zap.Error(err))
	}
	if retry {
		if err := s.queue.RequeueOutbox(ctx, entry.ClientMsgID); err != nil {
			log.Warn("failed to requeue", zap.Error(err))
		}
	} else if s.sink != nil {
		_ = s.sink.MarkDelivery(ctx, entry.Owner, entry.ConvID, entry.ClientMsgID, store.MessageFailed, nil)
	}

	s.bus.Emit(bus.KindMessageSendFailed, Failure{
		Owner:       entry.Owner,
		ConvID:      entry.ConvID,
		ClientMsgID: entry.ClientMsgID,
		Error:       sendErr.Error(),
		Retrying:    retry,
	})
	return authGone || interrupted
}

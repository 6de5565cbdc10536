package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"taskhive/cmd/internal/chat"
	v1 "taskhive/shared/contracts/realtime/v1"
)

// messageError codes sent to the submitting session.
const (
	codePersistFailed  = "persist_failed"
	codeInvalidMessage = "invalid_message"
	codeNotParticipant = "not_participant"
	codeNotFound       = "conversation_not_found"
	codeAuthzFailed    = "authorization_unavailable"
	codeSenderMismatch = "sender_mismatch"
	codeBusy           = "server_busy"
)

// DefaultRelayWriteTimeout bounds the persistence steps of one submission.
const DefaultRelayWriteTimeout = 10 * time.Second

// relayPublishTimeout bounds the broadcast step on its own, after persistence.
const relayPublishTimeout = 5 * time.Second

// Authorizer decides whether a user may read or post in a conversation.
// chat.Service satisfies it.
type Authorizer interface {
	Authorize(ctx context.Context, userID, conversationID string) error
}

// Replier is the submitting session, as seen by the relay.
type Replier interface {
	Deliver(env v1.Envelope) bool
}

// Submission is one sendMessage request after decoding.
type Submission struct {
	ConversationID string
	SenderID       string
	Content        string
	Kind           chat.MessageKind

	// Authorize requires the sender to be a participant of the conversation.
	Authorize bool
}

// RelayConfig wires a Relay. Store and Fanout are required.
type RelayConfig struct {
	Store      chat.MessageStore
	Fanout     Fanout
	Dispatcher Dispatcher
	Authorizer Authorizer
	Metrics    *Metrics
	Log        *slog.Logger

	// WriteTimeout bounds persistence per submission; 0 disables the bound.
	WriteTimeout time.Duration
}

// Relay persists submitted messages and broadcasts them to the room.
//
// A submission moves submitted -> persisted -> enriched -> broadcast, or ends in failed when
// the message cannot be created. Only creation failures reach the sender (messageError);
// a failed conversation touch or sender lookup is logged and the broadcast still happens.
// There is no retry.
type Relay struct {
	store        chat.MessageStore
	fanout       Fanout
	dispatch     Dispatcher
	authz        Authorizer
	metrics      *Metrics
	log          *slog.Logger
	writeTimeout time.Duration
}

// NewRelay constructs a Relay. A nil Dispatcher means Inline.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.Store == nil {
		return nil, errors.New("realtime: relay requires a store")
	}
	if cfg.Fanout == nil {
		return nil, errors.New("realtime: relay requires a fanout")
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = Inline{}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.WriteTimeout < 0 {
		cfg.WriteTimeout = 0
	}
	return &Relay{
		store:        cfg.Store,
		fanout:       cfg.Fanout,
		dispatch:     cfg.Dispatcher,
		authz:        cfg.Authorizer,
		metrics:      cfg.Metrics,
		log:          cfg.Log,
		writeTimeout: cfg.WriteTimeout,
	}, nil
}

// Submit hands the submission to the dispatcher and returns.
// Processing outlives the submitting connection: ctx values are kept, its cancellation is not.
func (r *Relay) Submit(ctx context.Context, from Replier, s Submission) {
	ctx = context.WithoutCancel(ctx)
	accepted := r.dispatch.Dispatch(s.ConversationID, func() {
		r.process(ctx, from, s)
	})
	if !accepted {
		r.log.Warn("relay.reject.busy", "conversation_id", s.ConversationID, "sender_id", s.SenderID)
		r.metrics.message(resultRejected)
		r.reply(from, codeBusy, "conversation is busy, try again")
	}
}

func (r *Relay) process(parent context.Context, from Replier, s Submission) {
	ctx, cancel := r.opContext(parent)
	defer cancel()

	log := r.log.With("conversation_id", s.ConversationID, "sender_id", s.SenderID)

	if s.Authorize && r.authz != nil {
		if err := r.authz.Authorize(ctx, s.SenderID, s.ConversationID); err != nil {
			switch {
			case chat.IsNotParticipant(err):
				log.Info("relay.reject.not_participant", "err", err)
				r.metrics.message(resultRejected)
				r.reply(from, codeNotParticipant, "you are not a participant of this conversation")
			case chat.IsNotFound(err):
				log.Info("relay.reject.not_found", "err", err)
				r.metrics.message(resultRejected)
				r.reply(from, codeNotFound, "conversation not found")
			default:
				log.Warn("relay.authorize.fail", "err", err)
				r.metrics.message(resultFailed)
				r.reply(from, codeAuthzFailed, "could not verify access to this conversation")
			}
			return
		}
	}

	start := time.Now()
	msg, err := r.store.CreateMessage(ctx, chat.NewMessage{
		ConversationID: s.ConversationID,
		SenderID:       s.SenderID,
		Content:        s.Content,
		Kind:           s.Kind,
	})
	r.metrics.observePersist(time.Since(start))
	if err != nil {
		r.metrics.message(resultFailed)
		if chat.IsInvalidInput(err) {
			log.Info("relay.reject.invalid", "err", err)
			r.reply(from, codeInvalidMessage, "message rejected: "+invalidReason(err))
			return
		}
		log.Warn("relay.persist.fail", "err", err)
		r.reply(from, codePersistFailed, "failed to save message")
		return
	}

	if err := r.store.TouchConversation(ctx, msg.ConversationID, msg.Content, msg.CreatedAt); err != nil {
		log.Warn("relay.touch.fail", "message_id", msg.ID, "err", err)
	}

	sender := v1.Sender{ID: msg.SenderID}
	if u, err := r.store.FindUserDisplayInfo(ctx, msg.SenderID); err != nil {
		log.Warn("relay.sender_lookup.fail", "message_id", msg.ID, "err", err)
	} else if u != nil {
		sender.Info = &v1.SenderInfo{ID: u.ID, FirstName: u.FirstName, LastName: u.LastName, Email: u.Email}
	}

	payload, err := json.Marshal(v1.MessageReceivedPayload{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       sender,
		Content:        msg.Content,
		Type:           string(msg.Kind),
		Timestamp:      msg.CreatedAt,
	})
	if err != nil {
		log.Error("relay.encode.fail", "message_id", msg.ID, "err", err)
		return
	}

	cancel()

	// Broadcast gets its own deadline, independent of persistence.
	pctx, pcancel := context.WithTimeout(parent, relayPublishTimeout)
	defer pcancel()

	env := newEnvelope(v1.TypeMessageReceived, payload, time.Now().UTC())
	if err := r.fanout.Publish(pctx, msg.ConversationID, env); err != nil {
		log.Warn("relay.fanout.fail", "message_id", msg.ID, "err", err)
	}
	r.metrics.message(resultBroadcast)
	log.Debug("relay.broadcast", "message_id", msg.ID)
}

// Reject reports a submission refused before it reached the relay pipeline.
func (r *Relay) Reject(from Replier, code, message string) {
	r.metrics.message(resultRejected)
	r.reply(from, code, message)
}

func (r *Relay) reply(to Replier, code, message string) {
	if to == nil {
		return
	}
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: message})
	if !to.Deliver(newEnvelope(v1.TypeMessageError, p, time.Now().UTC())) {
		r.log.Info("relay.reply.dropped", "code", code)
	}
}

func (r *Relay) opContext(parent context.Context) (context.Context, context.CancelFunc) {
	if r.writeTimeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, r.writeTimeout)
}

func invalidReason(err error) string {
	var op chat.OpError
	if errors.As(err, &op) && strings.TrimSpace(op.Msg) != "" {
		return op.Msg
	}
	return "invalid input"
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		TS:      ts,
		Payload: payload,
	}
}

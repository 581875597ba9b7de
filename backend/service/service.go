package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/adwski/rfb-webrtc-bridge/backend/model"
	"github.com/adwski/rfb-webrtc-bridge/backend/rtc"
	store "github.com/adwski/rfb-webrtc-bridge/backend/storage/memory"
	sw "github.com/adwski/rfb-webrtc-bridge/backend/switch"
	"github.com/rs/zerolog"
)

const (
	DefaultTimeLimit    = 2 * time.Minute
	DefaultTickInterval = time.Second
)

var (
	ErrConnect          = errors.New("unable to connect")
	ErrDisconnect       = errors.New("unable to disconnect")
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnexpectedPhase  = errors.New("message not allowed in current session phase")
)

type (
	SessionStore interface {
		Add(id string, now time.Time) model.Session
		Remove(id string) (model.Session, bool)
		Get(id string) (model.Session, bool)
		BindName(id, name string) error
		Authenticated() []string
	}

	Switch interface {
		Connect(ctx context.Context, session string, wire model.Wire, handle sw.Handler) error
		Disconnect(session string) error
		Send(ctx context.Context, session string, out model.Outbound) bool
	}

	// InputSink receives input of the current controller.
	InputSink interface {
		HandleInput(inputType string, payload json.RawMessage) error
		ResetInputState()
	}

	Peers interface {
		Signal(session string, data json.RawMessage, reply rtc.ReplyFunc) error
		Close(session string)
	}

	Service struct {
		store  SessionStore
		sw     Switch
		input  InputSink
		peers  Peers
		logger zerolog.Logger
		now    func() time.Time

		timeLimit    time.Duration
		tickInterval time.Duration

		mx          *sync.Mutex
		controller  string
		grantedAt   time.Time
		queue       []queueEntry
		lastExpired string
	}

	Config struct {
		Sessions     SessionStore
		Switch       Switch
		Input        InputSink
		Peers        Peers
		Logger       *zerolog.Logger
		TimeLimit    time.Duration
		TickInterval time.Duration
		// Now defaults to time.Now.
		Now func() time.Time
	}
)

func NewService(cfg Config) *Service {
	svc := &Service{
		store:        cfg.Sessions,
		sw:           cfg.Switch,
		input:        cfg.Input,
		peers:        cfg.Peers,
		logger:       cfg.Logger.With().Str("component", "arbiter").Logger(),
		now:          cfg.Now,
		timeLimit:    cfg.TimeLimit,
		tickInterval: cfg.TickInterval,
		mx:           &sync.Mutex{},
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	if svc.timeLimit <= 0 {
		svc.timeLimit = DefaultTimeLimit
	}
	if svc.tickInterval <= 0 {
		svc.tickInterval = DefaultTickInterval
	}
	return svc
}

// CreateSignalingSession registers a freshly connected viewer.
func (svc *Service) CreateSignalingSession(ctx context.Context, sessionID string, wire model.Wire) error {
	svc.store.Add(sessionID, svc.now())
	if err := svc.sw.Connect(ctx, sessionID, wire, svc.HandleMessage); err != nil {
		svc.store.Remove(sessionID)
		return errors.Join(ErrConnect, err)
	}
	svc.logger.Debug().
		Str("session", sessionID).
		Msg("signaling session connected")
	return nil
}

// DeleteSignalingSession tears the session down: the peer connection is
// closed, the name released and control ceded or the queue entry dropped.
func (svc *Service) DeleteSignalingSession(ctx context.Context, sessionID string) error {
	err := svc.sw.Disconnect(sessionID)
	if err != nil {
		err = errors.Join(ErrDisconnect, err)
	}
	svc.peers.Close(sessionID)
	sess, _ := svc.store.Remove(sessionID)

	svc.flush(ctx, svc.leave(sessionID))

	svc.logger.Debug().
		Str("session", sessionID).
		Str("username", sess.Username).
		Msg("signaling session deleted")
	return err
}

// HandleMessage decodes the discriminant of an inbound message and
// dispatches it according to the session phase. Anything that does not fit
// is dropped.
func (svc *Service) HandleMessage(ctx context.Context, msg model.Message) {
	logger := svc.logger.With().Str("session", msg.SRC).Logger()
	if err := svc.dispatch(ctx, msg); err != nil {
		logger.Debug().Err(err).Msg("message dropped")
	}
}

func (svc *Service) dispatch(ctx context.Context, msg model.Message) error {
	var env model.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return errors.Join(ErrMalformedMessage, err)
	}
	sess, ok := svc.store.Get(msg.SRC)
	if !ok {
		return store.ErrSessionNotFound
	}

	if !sess.Authenticated() {
		if env.Type != model.MessageTypeLogin {
			return ErrUnexpectedPhase
		}
		var req model.LoginRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return errors.Join(ErrMalformedMessage, err)
		}
		return svc.login(ctx, msg.SRC, req.Username)
	}

	switch env.Type {
	case model.MessageTypeControl:
		var req model.ControlRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return errors.Join(ErrMalformedMessage, err)
		}
		switch req.Action {
		case model.ControlActionRequest:
			svc.flush(ctx, svc.request(sess))
		case model.ControlActionRelease:
			svc.flush(ctx, svc.release(sess.ID))
		default:
			return ErrMalformedMessage
		}

	case model.MessageTypeInput:
		var req model.InputRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return errors.Join(ErrMalformedMessage, err)
		}
		if req.InputType == "" {
			return ErrMalformedMessage
		}
		return svc.handleInput(sess.ID, req)

	case model.MessageTypeSignal:
		var req model.SignalRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return errors.Join(ErrMalformedMessage, err)
		}
		if len(req.Data) == 0 {
			return ErrMalformedMessage
		}
		return svc.signal(ctx, sess.ID, req.Data)

	default:
		return ErrUnexpectedPhase
	}
	return nil
}

func (svc *Service) login(ctx context.Context, sessionID, username string) error {
	err := svc.store.BindName(sessionID, username)
	switch {
	case errors.Is(err, store.ErrNameTaken):
		svc.sw.Send(ctx, sessionID, model.Outbound{
			Payload: model.LoginReply{Type: model.MessageTypeLogin, OK: false, Reason: model.LoginRejectTaken},
			Hangup:  true,
		})
		svc.logger.Info().Str("session", sessionID).Str("username", username).Msg("login rejected, name taken")
		return nil
	case err != nil:
		return errors.Join(ErrMalformedMessage, err)
	}

	svc.logger.Info().Str("session", sessionID).Str("username", username).Msg("viewer logged in")

	svc.mx.Lock()
	state := svc.stateFor(sessionID, svc.now())
	svc.mx.Unlock()

	svc.flush(ctx, []delivery{
		{to: sessionID, payload: model.LoginReply{Type: model.MessageTypeLogin, OK: true}},
		{to: sessionID, payload: state},
	})
	return nil
}

// handleInput forwards while holding the arbiter lock, so a handoff reset
// always lands after the last input of the outgoing controller.
func (svc *Service) handleInput(sessionID string, req model.InputRequest) error {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	if svc.controller != sessionID {
		return nil
	}
	return svc.input.HandleInput(req.InputType, req.Payload)
}

func (svc *Service) signal(ctx context.Context, sessionID string, data json.RawMessage) error {
	return svc.peers.Signal(sessionID, data, func(out json.RawMessage) {
		svc.sw.Send(ctx, sessionID, model.Outbound{
			Payload: model.SignalReply{Type: model.MessageTypeSignal, Data: out},
		})
	})
}

// delivery is one message produced under the state lock and sent after it is released.
type delivery struct {
	to      string
	payload any
}

func (svc *Service) flush(ctx context.Context, out []delivery) {
	for _, d := range out {
		svc.sw.Send(ctx, d.to, model.Outbound{Payload: d.payload})
	}
}

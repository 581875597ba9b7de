package _switch

import (
	"context"
	"sync"
	"time"

	"github.com/adwski/rfb-webrtc-bridge/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

// Handler processes one inbound message of a session.
type Handler func(ctx context.Context, msg model.Message)

type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	wires  map[string]model.Wire
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		wires:  make(map[string]model.Wire),
	}
}

func (sw *Switch) Disconnect(session string) error {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("session", session).
			Msg("endpoint disconnected")
	}()

	delete(sw.wires, session)
	return nil
}

// Connect registers the session's wire and starts feeding its inbound
// messages to handle, one at a time, until ctx is done.
func (sw *Switch) Connect(ctx context.Context, session string, wire model.Wire, handle Handler) error {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("session", session).
			Msg("endpoint connected")
		go sw.forwardMessages(ctx, session, wire.RX, handle)
	}()

	sw.wires[session] = wire
	return nil
}

func (sw *Switch) forwardMessages(ctx context.Context, session string, rx <-chan model.Message, handle Handler) {
fwdLoop:
	for {
		select {
		case <-ctx.Done():
			break fwdLoop
		case msg := <-rx:
			if msg.SRC != session {
				sw.logger.Error().
					Str("session", session).
					Str("src", msg.SRC).
					Msg("message with foreign src")
				continue
			}
			handle(ctx, msg)
		}
	}
}

// Send queues one outbound message for a session. It reports false if the
// session is gone or does not drain its wire in time.
func (sw *Switch) Send(ctx context.Context, session string, out model.Outbound) bool {
	sw.mx.RLock()
	wire, ok := sw.wires[session]
	sw.mx.RUnlock()

	if !ok {
		sw.logger.Debug().Str("dst", session).Msg("cannot send, dst not found")
		return false
	}
	sent, _ := send(ctx, session, out, wire.TX, &sw.logger)
	return sent
}

// Sessions returns ids of all connected endpoints.
func (sw *Switch) Sessions() []string {
	sw.mx.RLock()
	defer sw.mx.RUnlock()

	ids := make([]string, 0, len(sw.wires))
	for id := range sw.wires {
		ids = append(ids, id)
	}
	return ids
}

func send(ctx context.Context, dst string, out model.Outbound, tx chan<- model.Outbound, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("dst", dst).Msg("dead endpoint")
	case tx <- out:
		logger.Trace().Str("dst", dst).Msg("message is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}

package service

import (
	"context"
	"sync"
	"time"

	"github.com/adwski/rfb-webrtc-bridge/backend/model"
)

type queueEntry struct {
	id          string
	username    string
	requestedAt time.Time
}

// Snapshot is a copy of the arbitration state.
type Snapshot struct {
	Controller  string
	Queue       []string
	LastExpired string
	GrantedAt   time.Time
}

// Run force-expires grants that outlived the time limit, checking once per tick.
func (svc *Service) Run(ctx context.Context, wg *sync.WaitGroup) {
	ticker := time.NewTicker(svc.tickInterval)
	defer func() {
		ticker.Stop()
		svc.logger.Debug().Msg("expiry loop stopped")
		wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.flush(ctx, svc.expire(svc.now()))
		}
	}
}

func (svc *Service) Snapshot() Snapshot {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	snap := Snapshot{
		Controller:  svc.controller,
		LastExpired: svc.lastExpired,
		GrantedAt:   svc.grantedAt,
		Queue:       make([]string, len(svc.queue)),
	}
	for i, e := range svc.queue {
		snap.Queue[i] = e.id
	}
	return snap
}

func (svc *Service) request(sess model.Session) []delivery {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	now := svc.now()
	switch {
	case svc.controller == sess.ID:
		return []delivery{{to: sess.ID, payload: svc.grantedReply()}}

	case svc.controller == "" && sess.ID != svc.lastExpired:
		svc.grant(sess.ID, now)
		svc.logger.Info().Str("session", sess.ID).Str("username", sess.Username).Msg("control granted")
		out := []delivery{{to: sess.ID, payload: svc.grantedReply()}}
		return append(out, svc.broadcastState(now)...)
	}

	pos := svc.position(sess.ID)
	if pos == 0 {
		svc.queue = append(svc.queue, queueEntry{
			id:          sess.ID,
			username:    sess.Username,
			requestedAt: now,
		})
		pos = len(svc.queue)
		svc.logger.Info().Str("session", sess.ID).Int("position", pos).Msg("control request queued")
	}
	out := []delivery{{to: sess.ID, payload: model.ControlReply{
		Type:              model.MessageTypeControl,
		Granted:           false,
		Queued:            true,
		QueuePosition:     pos,
		EstimatedWaitTime: svc.estimatedWait(pos, now).Milliseconds(),
		TimeLimit:         svc.timeLimit.Milliseconds(),
	}}}
	if svc.controller == "" {
		// nobody holds control, so nothing else would ever advance the queue
		return append(out, svc.grantNext(now)...)
	}
	return append(out, svc.broadcastState(now)...)
}

func (svc *Service) release(sessionID string) []delivery {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	if svc.controller != sessionID {
		return nil
	}
	svc.logger.Info().Str("session", sessionID).Msg("control released")
	svc.lastExpired = sessionID
	return svc.grantNext(svc.now())
}

// leave forgets a disconnected session.
func (svc *Service) leave(sessionID string) []delivery {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	now := svc.now()
	if svc.lastExpired == sessionID {
		svc.lastExpired = ""
	}
	if svc.controller == sessionID {
		svc.logger.Info().Str("session", sessionID).Msg("controller disconnected")
		return svc.grantNext(now)
	}
	if pos := svc.position(sessionID); pos > 0 {
		svc.queue = append(svc.queue[:pos-1], svc.queue[pos:]...)
		return svc.broadcastState(now)
	}
	return nil
}

func (svc *Service) expire(now time.Time) []delivery {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	if svc.controller == "" || now.Sub(svc.grantedAt) < svc.timeLimit {
		return nil
	}
	expired := svc.controller
	svc.logger.Info().
		Str("session", expired).
		Dur("held", now.Sub(svc.grantedAt)).
		Msg("control expired")

	out := []delivery{{to: expired, payload: model.ControlReply{
		Type:    model.MessageTypeControl,
		Granted: false,
		Expired: true,
	}}}
	svc.lastExpired = expired
	return append(out, svc.grantNext(now)...)
}

// grantNext hands control to the head of the queue. Held input of the
// previous controller is released first.
func (svc *Service) grantNext(now time.Time) []delivery {
	svc.input.ResetInputState()

	var out []delivery
	if len(svc.queue) == 0 {
		svc.controller = ""
		svc.grantedAt = time.Time{}
		svc.lastExpired = ""
	} else {
		next := svc.queue[0]
		svc.queue = svc.queue[1:]
		svc.grant(next.id, now)
		svc.logger.Info().
			Str("session", next.id).
			Str("username", next.username).
			Dur("waited", now.Sub(next.requestedAt)).
			Msg("control granted")
		out = append(out, delivery{to: next.id, payload: svc.grantedReply()})
	}
	return append(out, svc.broadcastState(now)...)
}

func (svc *Service) grant(sessionID string, now time.Time) {
	svc.controller = sessionID
	svc.grantedAt = now
}

func (svc *Service) grantedReply() model.ControlReply {
	return model.ControlReply{
		Type:      model.MessageTypeControl,
		Granted:   true,
		TimeLimit: svc.timeLimit.Milliseconds(),
	}
}

// broadcastState builds the controller state for every authenticated
// session and a queue update for every queued one.
func (svc *Service) broadcastState(now time.Time) []delivery {
	ids := svc.store.Authenticated()
	out := make([]delivery, 0, len(ids)+len(svc.queue))
	for _, id := range ids {
		out = append(out, delivery{to: id, payload: svc.stateFor(id, now)})
	}
	names := svc.queueNames()
	for i, e := range svc.queue {
		out = append(out, delivery{to: e.id, payload: model.QueueUpdate{
			Type:              model.MessageTypeQueueUpdate,
			QueuePosition:     i + 1,
			QueueLength:       len(svc.queue),
			EstimatedWaitTime: svc.estimatedWait(i+1, now).Milliseconds(),
			Queue:             names,
			TimeLimit:         svc.timeLimit.Milliseconds(),
		}})
	}
	return out
}

func (svc *Service) stateFor(sessionID string, now time.Time) model.ControllerState {
	state := model.ControllerState{
		Type:          model.MessageTypeController,
		QueuePosition: svc.position(sessionID),
		QueueLength:   len(svc.queue),
		TimeRemaining: svc.remaining(now).Milliseconds(),
		Queue:         svc.queueNames(),
		TimeLimit:     svc.timeLimit.Milliseconds(),
	}
	if svc.controller != "" {
		if sess, ok := svc.store.Get(svc.controller); ok {
			name := sess.Username
			state.Username = &name
		}
	}
	return state
}

func (svc *Service) queueNames() []string {
	names := make([]string, len(svc.queue))
	for i, e := range svc.queue {
		names[i] = e.username
	}
	return names
}

// position is 1-based, 0 means not queued.
func (svc *Service) position(sessionID string) int {
	for i, e := range svc.queue {
		if e.id == sessionID {
			return i + 1
		}
	}
	return 0
}

func (svc *Service) remaining(now time.Time) time.Duration {
	if svc.controller == "" {
		return 0
	}
	return max(0, svc.timeLimit-now.Sub(svc.grantedAt))
}

// estimatedWait assumes everyone ahead uses their full grant.
func (svc *Service) estimatedWait(pos int, now time.Time) time.Duration {
	return svc.remaining(now) + time.Duration(pos-1)*svc.timeLimit
}

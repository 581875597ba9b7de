// Package pipeline drives the capture, encode and fan-out of screen tiles
// at a fixed rate.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/rfb-webrtc-bridge/backend/bufpool"
	"github.com/adwski/rfb-webrtc-bridge/backend/encoder"
	"github.com/adwski/rfb-webrtc-bridge/backend/metrics"
	"github.com/adwski/rfb-webrtc-bridge/backend/rfb"
	"github.com/adwski/rfb-webrtc-bridge/backend/rtc"
	"github.com/rs/zerolog"
)

const (
	// MaxPendingPerTick is the encode backlog above which ticks are dropped.
	MaxPendingPerTick = 16
	// MaxPendingHealthy is the encode backlog at which the bridge reports unhealthy.
	MaxPendingHealthy = 100

	minQualityHalf    = 20
	minQualityQuarter = 25
	smallAreaBonus    = 15
)

var ErrSkipped = errors.New("tick skipped")

type (
	Framebuffer interface {
		Ready() bool
		Size() (int, int)
		RequestFullFrame()
		ConsumeDirtyBounds() (rfb.Rect, bool)
		MarkDirty(r rfb.Rect)
		CopyRect(r rfb.Rect, dst []byte) error
	}

	Encoder interface {
		Submit(job encoder.Job) (<-chan encoder.Result, error)
		Pending() int
	}

	Viewers interface {
		// TakeNeedsFullFrame reports and clears pending full-frame requests at once.
		TakeNeedsFullFrame() bool
		Count() int
	}

	Peers interface {
		Count() int
		Broadcast(tile []byte) rtc.BroadcastStats
	}

	Recorder interface {
		ObserveEncode(d time.Duration)
		FrameSent()
		FrameDropped(reason string)
		SetBufferedMax(n uint64)
		SetSessions(n int)
	}

	Config struct {
		Logger      *zerolog.Logger
		Framebuffer Framebuffer
		Encoder     Encoder
		Viewers     Viewers
		Peers       Peers
		Metrics     Recorder
		Buffers     *bufpool.Pool
		Interval    time.Duration
		BaseQuality int
		MaxQuality  int
	}

	Orchestrator struct {
		logger   zerolog.Logger
		fb       Framebuffer
		enc      Encoder
		viewers  Viewers
		peers    Peers
		metrics  Recorder
		buffers  *bufpool.Pool
		interval time.Duration
		base     int
		ceiling  int

		inFlight atomic.Bool
	}
)

func NewOrchestrator(cfg Config) *Orchestrator {
	o := &Orchestrator{
		logger:   cfg.Logger.With().Str("component", "orchestrator").Logger(),
		fb:       cfg.Framebuffer,
		enc:      cfg.Encoder,
		viewers:  cfg.Viewers,
		peers:    cfg.Peers,
		metrics:  cfg.Metrics,
		buffers:  cfg.Buffers,
		interval: cfg.Interval,
		base:     cfg.BaseQuality,
		ceiling:  cfg.MaxQuality,
	}
	if o.metrics == nil {
		o.metrics = nopRecorder{}
	}
	if o.buffers == nil {
		o.buffers = bufpool.New(bufpool.DefaultPerSizeLimit)
	}
	if o.interval <= 0 {
		o.interval = time.Second / 30
	}
	if o.ceiling <= 0 {
		o.ceiling = encoder.MaxQuality
	}
	return o
}

// Run ticks until ctx is done. A tick that finds its predecessor still
// running does nothing.
func (o *Orchestrator) Run(ctx context.Context, wg *sync.WaitGroup) {
	ticker := time.NewTicker(o.interval)
	ticks := &sync.WaitGroup{}
	defer func() {
		ticker.Stop()
		ticks.Wait()
		o.logger.Debug().Msg("orchestrator stopped")
		wg.Done()
	}()

	o.logger.Info().Dur("interval", o.interval).Msg("orchestrator started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !o.inFlight.CompareAndSwap(false, true) {
				o.metrics.FrameDropped(metrics.DropInFlight)
				continue
			}
			ticks.Add(1)
			go func() {
				defer func() {
					o.inFlight.Store(false)
					ticks.Done()
				}()
				if err := o.Tick(ctx); err != nil && !errors.Is(err, ErrSkipped) {
					o.logger.Error().Err(err).Msg("tick abandoned")
				}
			}()
		}
	}
}

// Tick produces and broadcasts at most one tile.
func (o *Orchestrator) Tick(ctx context.Context) error {
	o.metrics.SetSessions(o.viewers.Count())

	switch {
	case o.peers.Count() == 0:
		return o.skip(metrics.DropNoPeers)
	case !o.fb.Ready():
		return o.skip(metrics.DropNotReady)
	case o.enc.Pending() > MaxPendingPerTick:
		return o.skip(metrics.DropBusy)
	}

	if o.viewers.TakeNeedsFullFrame() {
		o.fb.RequestFullFrame()
	}
	rect, ok := o.fb.ConsumeDirtyBounds()
	if !ok {
		return nil
	}

	buf := o.buffers.Get(rect.Area() * rfb.BytesPerPixel)
	if err := o.fb.CopyRect(rect, buf); err != nil {
		o.buffers.Put(buf)
		return err
	}

	w, h := o.fb.Size()
	quality := Quality(o.base, o.ceiling, rect.Area(), w*h)

	start := time.Now()
	resc, err := o.enc.Submit(encoder.Job{Pixels: buf, Rect: rect, Quality: quality})
	if err != nil {
		o.buffers.Put(buf)
		o.fb.MarkDirty(rect)
		if errors.Is(err, encoder.ErrBackpressure) {
			return o.skip(metrics.DropBackpressure)
		}
		return err
	}

	var res encoder.Result
	select {
	case res = <-resc:
	case <-ctx.Done():
		// the worker still owns buf, leave it to the GC
		return ctx.Err()
	}
	o.buffers.Put(buf)

	if res.Err != nil {
		o.fb.MarkDirty(rect)
		o.metrics.FrameDropped(metrics.DropEncodeFailed)
		return res.Err
	}

	stats := o.peers.Broadcast(res.Tile)
	o.metrics.ObserveEncode(time.Since(start))
	o.metrics.FrameSent()
	o.metrics.SetBufferedMax(stats.MaxBuffered)

	o.logger.Trace().
		Int("x", rect.X).Int("y", rect.Y).
		Int("w", rect.Width).Int("h", rect.Height).
		Int("quality", quality).
		Int("bytes", len(res.Tile)).
		Int("sent", stats.Sent).
		Int("congested", stats.Congested).
		Msg("tile broadcast")
	return nil
}

func (o *Orchestrator) skip(reason string) error {
	o.metrics.FrameDropped(reason)
	return ErrSkipped
}

// Healthy reports whether the mirror is up and the encode backlog is sane.
func (o *Orchestrator) Healthy() bool {
	return o.fb.Ready() && o.enc.Pending() < MaxPendingHealthy
}

// Quality adapts the base quality to the size of the dirty area: small
// updates get sharper, large ones cheaper.
func Quality(base, ceiling, area, fullArea int) int {
	switch {
	case area*16 < fullArea:
		return min(base+smallAreaBonus, ceiling)
	case area*2 > fullArea:
		return max(base-20, minQualityHalf)
	case area*4 > fullArea:
		return max(base-10, minQualityQuarter)
	}
	return base
}

type nopRecorder struct{}

func (nopRecorder) ObserveEncode(time.Duration) {}
func (nopRecorder) FrameSent()                  {}
func (nopRecorder) FrameDropped(string)         {}
func (nopRecorder) SetBufferedMax(uint64)       {}
func (nopRecorder) SetSessions(int)             {}

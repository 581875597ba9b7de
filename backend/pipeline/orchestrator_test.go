package pipeline

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adwski/rfb-webrtc-bridge/backend/bufpool"
	"github.com/adwski/rfb-webrtc-bridge/backend/encoder"
	"github.com/adwski/rfb-webrtc-bridge/backend/metrics"
	"github.com/adwski/rfb-webrtc-bridge/backend/rfb"
	"github.com/adwski/rfb-webrtc-bridge/backend/rtc"
	store "github.com/adwski/rfb-webrtc-bridge/backend/storage/memory"
	"github.com/rs/zerolog"
)

type fakeFB struct {
	mx        sync.Mutex
	onConsume func()
	ready     bool
	w, h      int
	pixels    []byte
	dirty     []rfb.Rect
	full      int
	restored  []rfb.Rect
}

func newFakeFB(w, h int) *fakeFB {
	px := make([]byte, w*h*rfb.BytesPerPixel)
	for i := range px {
		px[i] = byte(i)
	}
	return &fakeFB{ready: true, w: w, h: h, pixels: px}
}

func (f *fakeFB) Ready() bool      { return f.ready }
func (f *fakeFB) Size() (int, int) { return f.w, f.h }

func (f *fakeFB) RequestFullFrame() {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.full++
	f.dirty = append(f.dirty, rfb.Rect{Width: f.w, Height: f.h})
}

func (f *fakeFB) ConsumeDirtyBounds() (rfb.Rect, bool) {
	if f.onConsume != nil {
		f.onConsume()
	}
	f.mx.Lock()
	defer f.mx.Unlock()
	if len(f.dirty) == 0 {
		return rfb.Rect{}, false
	}
	r := f.dirty[0]
	f.dirty = nil
	return r, true
}

func (f *fakeFB) MarkDirty(r rfb.Rect) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.restored = append(f.restored, r)
	f.dirty = append(f.dirty, r)
}

func (f *fakeFB) CopyRect(r rfb.Rect, dst []byte) error {
	rfb.CopyOut(f.pixels, f.w, r, dst)
	return nil
}

type fakeViewers struct {
	needs bool
}

func (f *fakeViewers) Count() int { return 1 }

func (f *fakeViewers) TakeNeedsFullFrame() bool {
	needs := f.needs
	f.needs = false
	return needs
}

type fakePeers struct {
	count int
	tiles [][]byte
}

func (f *fakePeers) Count() int { return f.count }

func (f *fakePeers) Broadcast(tile []byte) rtc.BroadcastStats {
	f.tiles = append(f.tiles, tile)
	return rtc.BroadcastStats{Sent: f.count, MaxBuffered: 512}
}

type fakeRecorder struct {
	mx      sync.Mutex
	sent    int
	dropped map[string]int
	encodes int
	maxBuf  uint64
}

func (f *fakeRecorder) ObserveEncode(time.Duration) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.encodes++
}

func (f *fakeRecorder) FrameSent() {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.sent++
}

func (f *fakeRecorder) FrameDropped(reason string) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.dropped[reason]++
}

func (f *fakeRecorder) SetBufferedMax(n uint64) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.maxBuf = n
}

func (f *fakeRecorder) SetSessions(int) {}

func (f *fakeRecorder) drops(reason string) int {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.dropped[reason]
}

type fakeEncoder struct {
	pending int
	err     error
	result  encoder.Result
	jobs    []encoder.Job
}

func (f *fakeEncoder) Pending() int { return f.pending }

func (f *fakeEncoder) Submit(job encoder.Job) (<-chan encoder.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.jobs = append(f.jobs, job)
	ch := make(chan encoder.Result, 1)
	ch <- f.result
	return ch, nil
}

type fixture struct {
	o       *Orchestrator
	fb      *fakeFB
	viewers *fakeViewers
	peers   *fakePeers
	rec     *fakeRecorder
	buffers *bufpool.Pool
}

func newFixture(enc Encoder) *fixture {
	logger := zerolog.Nop()
	f := &fixture{
		fb:      newFakeFB(64, 32),
		viewers: &fakeViewers{},
		peers:   &fakePeers{count: 1},
		rec:     &fakeRecorder{dropped: make(map[string]int)},
		buffers: bufpool.New(0),
	}
	f.o = NewOrchestrator(Config{
		Logger:      &logger,
		Framebuffer: f.fb,
		Encoder:     enc,
		Viewers:     f.viewers,
		Peers:       f.peers,
		Metrics:     f.rec,
		Buffers:     f.buffers,
		Interval:    time.Millisecond,
		BaseQuality: 40,
		MaxQuality:  encoder.MaxQuality,
	})
	return f
}

func TestQuality(t *testing.T) {
	const full = 1_000_000
	tests := []struct {
		name string
		base int
		area int
		want int
	}{
		{"small area gets sharper", 40, 50_000, 55},
		{"small area capped", 50, 50_000, 60},
		{"over half", 40, 600_000, 20},
		{"over half floored", 30, 600_000, 20},
		{"over quarter", 40, 300_000, 30},
		{"over quarter floored", 30, 300_000, 25},
		{"unchanged", 40, 100_000, 40},
		{"exactly a sixteenth", 40, 62_500, 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Quality(tt.base, encoder.MaxQuality, tt.area, full); got != tt.want {
				t.Errorf("Quality(%d, %d) = %d, want %d", tt.base, tt.area, got, tt.want)
			}
		})
	}
}

func TestTickSkips(t *testing.T) {
	enc := &fakeEncoder{}
	f := newFixture(enc)
	f.viewers.needs = true

	f.peers.count = 0
	if err := f.o.Tick(context.Background()); !errors.Is(err, ErrSkipped) {
		t.Fatalf("expected skip without peers, got %v", err)
	}
	f.peers.count = 1

	f.fb.ready = false
	if err := f.o.Tick(context.Background()); !errors.Is(err, ErrSkipped) {
		t.Fatalf("expected skip before framebuffer is ready, got %v", err)
	}
	f.fb.ready = true

	enc.pending = MaxPendingPerTick + 1
	if err := f.o.Tick(context.Background()); !errors.Is(err, ErrSkipped) {
		t.Fatalf("expected skip on encode backlog, got %v", err)
	}

	if len(enc.jobs) != 0 || !f.viewers.needs {
		t.Error("skipped ticks must not consume anything")
	}
	for _, reason := range []string{metrics.DropNoPeers, metrics.DropNotReady, metrics.DropBusy} {
		if f.rec.drops(reason) != 1 {
			t.Errorf("expected one %s drop, got %d", reason, f.rec.drops(reason))
		}
	}
}

func TestTickFullFrameAndBroadcast(t *testing.T) {
	enc := &fakeEncoder{result: encoder.Result{Tile: []byte("tile")}}
	f := newFixture(enc)
	f.viewers.needs = true

	if err := f.o.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if f.fb.full != 1 || f.viewers.needs {
		t.Errorf("full frame must be requested and flags cleared")
	}
	if len(enc.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(enc.jobs))
	}
	job := enc.jobs[0]
	if job.Rect != (rfb.Rect{Width: 64, Height: 32}) || job.Quality != 20 {
		t.Errorf("unexpected job rect %+v quality %d", job.Rect, job.Quality)
	}
	if !bytes.Equal(job.Pixels, f.fb.pixels) {
		t.Error("full frame pixels were not extracted")
	}
	if len(f.peers.tiles) != 1 || string(f.peers.tiles[0]) != "tile" {
		t.Errorf("tile was not broadcast")
	}
	if f.rec.sent != 1 || f.rec.encodes != 1 || f.rec.maxBuf != 512 {
		t.Errorf("unexpected metrics %+v", f.rec)
	}
	if f.buffers.Idle(len(f.fb.pixels)) != 1 {
		t.Error("buffer must go back to the pool")
	}

	// nothing dirty: no job
	if err := f.o.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(enc.jobs) != 1 {
		t.Error("clean framebuffer must not produce a job")
	}
}

func TestTickKeepsFlagRaisedDuringTick(t *testing.T) {
	enc := &fakeEncoder{result: encoder.Result{Tile: []byte("tile")}}
	f := newFixture(enc)

	sessions := store.NewMemStore()
	sessions.Add("early", time.Now())
	sessions.Add("late", time.Now())
	sessions.TakeNeedsFullFrame()
	sessions.MarkNeedsFullFrame("early")

	// the late viewer's channel opens while the first tick is extracting
	f.fb.onConsume = func() {
		f.fb.onConsume = nil
		sessions.MarkNeedsFullFrame("late")
	}

	logger := zerolog.Nop()
	o := NewOrchestrator(Config{
		Logger:      &logger,
		Framebuffer: f.fb,
		Encoder:     enc,
		Viewers:     sessions,
		Peers:       f.peers,
		Metrics:     f.rec,
		Buffers:     f.buffers,
		BaseQuality: 40,
	})

	if err := o.Tick(context.Background()); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if f.fb.full != 1 {
		t.Fatalf("expected one full frame after first tick, got %d", f.fb.full)
	}
	if err := o.Tick(context.Background()); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if f.fb.full != 2 {
		t.Errorf("late viewer's full frame was lost, got %d full frames", f.fb.full)
	}
	if sessions.TakeNeedsFullFrame() {
		t.Error("flags must be cleared after the second tick")
	}
}

func TestTickExtractsDirtyRegion(t *testing.T) {
	enc := &fakeEncoder{result: encoder.Result{Tile: []byte("t")}}
	f := newFixture(enc)
	r := rfb.Rect{X: 3, Y: 4, Width: 5, Height: 6}
	f.fb.dirty = []rfb.Rect{r}

	if err := f.o.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	job := enc.jobs[0]
	if job.Quality != 55 {
		t.Errorf("small rect must get quality 55, got %d", job.Quality)
	}

	restored := make([]byte, len(f.fb.pixels))
	rfb.CopyIn(restored, f.fb.w, r, job.Pixels)
	for row := r.Y; row < r.Y+r.Height; row++ {
		from := (row*f.fb.w + r.X) * rfb.BytesPerPixel
		to := from + r.Width*rfb.BytesPerPixel
		if !bytes.Equal(restored[from:to], f.fb.pixels[from:to]) {
			t.Fatalf("row %d was not extracted exactly", row)
		}
	}
}

func TestTickFailuresKeepRegionDirty(t *testing.T) {
	r := rfb.Rect{Width: 2, Height: 2}

	enc := &fakeEncoder{err: encoder.ErrBackpressure}
	f := newFixture(enc)
	f.fb.dirty = []rfb.Rect{r}
	if err := f.o.Tick(context.Background()); !errors.Is(err, ErrSkipped) {
		t.Fatalf("backpressure must skip the tick, got %v", err)
	}
	if f.rec.drops(metrics.DropBackpressure) != 1 || len(f.fb.restored) != 1 {
		t.Errorf("region must be restored after backpressure")
	}

	enc = &fakeEncoder{result: encoder.Result{Err: encoder.ErrWorkerFailure}}
	f = newFixture(enc)
	f.fb.dirty = []rfb.Rect{r}
	if err := f.o.Tick(context.Background()); !errors.Is(err, encoder.ErrWorkerFailure) {
		t.Fatalf("expected worker failure, got %v", err)
	}
	if len(f.peers.tiles) != 0 || len(f.fb.restored) != 1 {
		t.Error("failed tile must not be broadcast and its region must stay dirty")
	}
}

func TestRunWithEncodePool(t *testing.T) {
	logger := zerolog.Nop()
	pool := encoder.NewPool(encoder.Config{Logger: &logger, Workers: 2})
	defer pool.Stop()

	f := newFixture(pool)
	f.viewers.needs = true

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go f.o.Run(ctx, wg)

	deadline := time.Now().Add(5 * time.Second)
	for {
		f.rec.mx.Lock()
		sent := f.rec.sent
		f.rec.mx.Unlock()
		if sent > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no tile was produced")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	wg.Wait()

	tile := f.peers.tiles[0]
	if x, y, ok := encoder.DecodeHeader(tile); !ok || x != 0 || y != 0 {
		t.Errorf("unexpected tile header %d %d", x, y)
	}
	if !f.o.Healthy() {
		t.Error("orchestrator with an idle pool must be healthy")
	}
}

func TestHealthy(t *testing.T) {
	enc := &fakeEncoder{}
	f := newFixture(enc)
	if !f.o.Healthy() {
		t.Fatal("expected healthy")
	}
	enc.pending = MaxPendingHealthy
	if f.o.Healthy() {
		t.Error("deep encode backlog must be unhealthy")
	}
	enc.pending = 0
	f.fb.ready = false
	if f.o.Healthy() {
		t.Error("uninitialized framebuffer must be unhealthy")
	}
}

package rfb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/adwski/rfb-webrtc-bridge/backend/model"
	"github.com/mitchellh/go-vnc"
	"github.com/rs/zerolog"
)

// EncodingRaw is the only rectangle encoding the mirror understands.
const EncodingRaw int32 = 0

var (
	ErrConnection     = errors.New("remote framebuffer connection failed")
	ErrProtocolDecode = errors.New("cannot decode rectangle")
	ErrBadInput       = errors.New("malformed input event")
	ErrUnknownInput   = errors.New("unknown input type")
)

// RawRect is one rectangle of a framebuffer update as delivered by Conn.
// Colors is filled only for raw encoded rectangles.
type RawRect struct {
	Rect
	Encoding int32
	Colors   []vnc.Color
}

// Conn is the protocol side of the remote framebuffer.
type Conn interface {
	Width() int
	Height() int
	// ColorMax returns the maxima of the red, green and blue channels
	// in the negotiated pixel format.
	ColorMax() (r, g, b uint16)
	Updates() <-chan []RawRect
	RequestUpdate(incremental bool, r Rect) error
	PointerEvent(mask uint8, x, y int) error
	KeyEvent(keysym uint32, down bool) error
	Done() <-chan struct{}
	Err() error
	Close() error
}

type Config struct {
	Logger *zerolog.Logger
	Conn   Conn
}

// Source owns the RGBA mirror of the remote screen, the dirty region
// accumulator and the input state of the remote session.
type Source struct {
	logger zerolog.Logger
	conn   Conn
	mx     *sync.Mutex

	width  int
	height int
	fb     []byte
	dirty  bounds

	rMax, gMax, bMax uint32

	held     map[uint32]struct{}
	buttons  uint8
	pointerX int
	pointerY int
}

type pointerPayload struct {
	X          *int  `json:"x"`
	Y          *int  `json:"y"`
	ButtonMask uint8 `json:"buttonMask"`
}

type keyPayload struct {
	Keysym *uint32 `json:"keysym"`
	Down   bool    `json:"down"`
}

// NewSource allocates the mirror for an established connection and asks
// the remote side for a complete picture.
func NewSource(cfg Config) (*Source, error) {
	w, h := cfg.Conn.Width(), cfg.Conn.Height()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: invalid framebuffer size %dx%d", ErrConnection, w, h)
	}
	rMax, gMax, bMax := cfg.Conn.ColorMax()

	s := &Source{
		logger: cfg.Logger.With().Str("component", "framebuffer").Logger(),
		conn:   cfg.Conn,
		mx:     &sync.Mutex{},
		width:  w,
		height: h,
		fb:     make([]byte, w*h*BytesPerPixel),
		dirty:  newBounds(),
		rMax:   nonZero(rMax),
		gMax:   nonZero(gMax),
		bMax:   nonZero(bMax),
		held:   make(map[uint32]struct{}),
	}
	if err := s.conn.RequestUpdate(false, s.full()); err != nil {
		return nil, errors.Join(ErrConnection, err)
	}
	s.logger.Info().Int("width", w).Int("height", h).Msg("framebuffer initialized")
	return s, nil
}

// nonZero maps an unset channel maximum to the 16-bit range of colour map entries.
func nonZero(v uint16) uint32 {
	if v == 0 {
		return 0xFFFF
	}
	return uint32(v)
}

func (s *Source) full() Rect {
	return Rect{Width: s.width, Height: s.height}
}

// Run decodes updates until ctx is done or the protocol stream fails.
// Stream failures are returned wrapped in ErrConnection.
func (s *Source) Run(ctx context.Context) error {
	updates := s.conn.Updates()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.conn.Done():
			return errors.Join(ErrConnection, s.conn.Err())
		case rects := <-updates:
			for _, r := range rects {
				if err := s.Apply(r); err != nil {
					s.logger.Warn().Err(err).
						Int("x", r.X).Int("y", r.Y).
						Int("w", r.Width).Int("h", r.Height).
						Int32("encoding", r.Encoding).
						Msg("rectangle ignored")
				}
			}
			if err := s.conn.RequestUpdate(true, s.full()); err != nil {
				return errors.Join(ErrConnection, err)
			}
		}
	}
}

// Apply copies a decoded rectangle into the mirror and marks it dirty.
// Rectangles that cannot be decoded leave the mirror untouched.
func (s *Source) Apply(r RawRect) error {
	if r.Encoding != EncodingRaw {
		return fmt.Errorf("%w: unsupported encoding %d", ErrProtocolDecode, r.Encoding)
	}
	if !r.Within(s.width, s.height) {
		return fmt.Errorf("%w: rectangle outside %dx%d framebuffer", ErrProtocolDecode, s.width, s.height)
	}
	if len(r.Colors) != r.Area() {
		return fmt.Errorf("%w: expected %d pixels, got %d", ErrProtocolDecode, r.Area(), len(r.Colors))
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	for row := 0; row < r.Height; row++ {
		dst := ((r.Y+row)*s.width + r.X) * BytesPerPixel
		src := row * r.Width
		for col := 0; col < r.Width; col++ {
			c := r.Colors[src+col]
			px := s.fb[dst+col*BytesPerPixel : dst+(col+1)*BytesPerPixel]
			px[0] = scale(c.R, s.rMax)
			px[1] = scale(c.G, s.gMax)
			px[2] = scale(c.B, s.bMax)
			px[3] = 0xFF
		}
	}
	s.dirty.add(r.Rect)
	return nil
}

func scale(v uint16, vMax uint32) uint8 {
	if vMax == 255 {
		return uint8(v)
	}
	return uint8(min(uint32(v), vMax) * 255 / vMax)
}

func (s *Source) Ready() bool {
	return s != nil && s.fb != nil
}

func (s *Source) Size() (int, int) {
	return s.width, s.height
}

// RequestFullFrame marks the whole screen dirty.
func (s *Source) RequestFullFrame() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.dirty.add(s.full())
}

// MarkDirty puts r back into the accumulator, e.g. after a tile was not delivered.
func (s *Source) MarkDirty(r Rect) {
	if !r.Within(s.width, s.height) {
		return
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	s.dirty.add(r)
}

// ConsumeDirtyBounds returns the union of everything dirtied since the
// previous call and resets the accumulator.
func (s *Source) ConsumeDirtyBounds() (Rect, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.dirty.take()
}

// CopyRect extracts r from the mirror into dst.
func (s *Source) CopyRect(r Rect, dst []byte) error {
	if !r.Within(s.width, s.height) {
		return fmt.Errorf("rectangle %+v outside %dx%d framebuffer", r, s.width, s.height)
	}
	if len(dst) < r.Area()*BytesPerPixel {
		return fmt.Errorf("buffer of %d bytes is too small for %+v", len(dst), r)
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	CopyOut(s.fb, s.width, r, dst)
	return nil
}

// HandleInput forwards one viewer input event to the remote side.
func (s *Source) HandleInput(inputType string, payload json.RawMessage) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	switch inputType {
	case model.InputMouseMove, model.InputMouseDown, model.InputMouseUp:
		var p pointerPayload
		if err := json.Unmarshal(payload, &p); err != nil || p.X == nil || p.Y == nil {
			return ErrBadInput
		}
		s.pointerX = clamp(*p.X, s.width-1)
		s.pointerY = clamp(*p.Y, s.height-1)
		s.buttons = p.ButtonMask
		return s.conn.PointerEvent(s.buttons, s.pointerX, s.pointerY)

	case model.InputKeyEvent:
		var p keyPayload
		if err := json.Unmarshal(payload, &p); err != nil || p.Keysym == nil {
			return ErrBadInput
		}
		if p.Down {
			s.held[*p.Keysym] = struct{}{}
		} else {
			delete(s.held, *p.Keysym)
		}
		return s.conn.KeyEvent(*p.Keysym, p.Down)
	}
	return fmt.Errorf("%w: %q", ErrUnknownInput, inputType)
}

func clamp(v, hi int) int {
	return max(0, min(v, hi))
}

// ResetInputState releases every held key and all pointer buttons.
func (s *Source) ResetInputState() {
	s.mx.Lock()
	defer s.mx.Unlock()

	keys := make([]uint32, 0, len(s.held))
	for k := range s.held {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if err := s.conn.KeyEvent(k, false); err != nil {
			s.logger.Error().Err(err).Uint32("keysym", k).Msg("failed to release key")
		}
	}
	clear(s.held)

	s.buttons = 0
	if err := s.conn.PointerEvent(0, s.pointerX, s.pointerY); err != nil {
		s.logger.Error().Err(err).Msg("failed to release pointer buttons")
	}
	s.logger.Debug().Int("keys", len(keys)).Msg("input state reset")
}

// HeldKeys returns the currently pressed keysyms in ascending order.
func (s *Source) HeldKeys() []uint32 {
	s.mx.Lock()
	defer s.mx.Unlock()

	keys := make([]uint32, 0, len(s.held))
	for k := range s.held {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (s *Source) Close() error {
	return s.conn.Close()
}

package rfb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/mitchellh/go-vnc"
	"github.com/rs/zerolog"
)

const (
	defaultDialTimeout = 10 * time.Second
	serverMessageQueue = 16
)

type DialConfig struct {
	Logger   *zerolog.Logger
	Host     string
	Port     int
	Password string
	Timeout  time.Duration
}

// watchedConn records the first read failure of the underlying connection.
// The protocol library ends its receive loop silently, so this is the only
// place a broken stream becomes visible.
type watchedConn struct {
	net.Conn
	once sync.Once
	done chan struct{}
	mx   *sync.Mutex
	err  error
}

func (wc *watchedConn) Read(b []byte) (int, error) {
	n, err := wc.Conn.Read(b)
	if err != nil {
		wc.fail(err)
	}
	return n, err
}

func (wc *watchedConn) Close() error {
	wc.fail(net.ErrClosed)
	return wc.Conn.Close()
}

func (wc *watchedConn) fail(err error) {
	wc.mx.Lock()
	if wc.err == nil {
		wc.err = err
	}
	wc.mx.Unlock()
	wc.once.Do(func() { close(wc.done) })
}

func (wc *watchedConn) Err() error {
	wc.mx.Lock()
	defer wc.mx.Unlock()
	return wc.err
}

// client adapts go-vnc's ClientConn to Conn.
type client struct {
	logger  zerolog.Logger
	wc      *watchedConn
	vc      *vnc.ClientConn
	msgs    chan vnc.ServerMessage
	updates chan []RawRect
}

// Dial connects to the remote framebuffer and completes the RFB handshake.
// Any failure is an ErrConnection.
func Dial(ctx context.Context, cfg DialConfig) (Conn, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	logger := cfg.Logger.With().Str("component", "rfb").Str("addr", addr).Logger()

	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Join(ErrConnection, err)
	}
	wc := &watchedConn{
		Conn: nc,
		done: make(chan struct{}),
		mx:   &sync.Mutex{},
	}

	auth := []vnc.ClientAuth{new(vnc.ClientAuthNone)}
	if cfg.Password != "" {
		auth = append([]vnc.ClientAuth{&vnc.PasswordAuth{Password: cfg.Password}}, auth...)
	}
	msgs := make(chan vnc.ServerMessage, serverMessageQueue)

	// handshake must not hang forever on a silent server
	_ = nc.SetDeadline(time.Now().Add(timeout))
	vc, err := vnc.Client(wc, &vnc.ClientConfig{
		Auth:            auth,
		Exclusive:       false,
		ServerMessageCh: msgs,
	})
	if err != nil {
		_ = nc.Close()
		return nil, errors.Join(ErrConnection, fmt.Errorf("handshake with %s: %w", addr, err))
	}
	_ = nc.SetDeadline(time.Time{})

	if err = checkPixelFormat(vc.PixelFormat); err != nil {
		_ = vc.Close()
		return nil, errors.Join(ErrConnection, err)
	}
	if err = vc.SetEncodings([]vnc.Encoding{new(vnc.RawEncoding)}); err != nil {
		_ = vc.Close()
		return nil, errors.Join(ErrConnection, err)
	}

	c := &client{
		logger:  logger,
		wc:      wc,
		vc:      vc,
		msgs:    msgs,
		updates: make(chan []RawRect),
	}
	go c.pump()

	logger.Info().
		Str("desktop", vc.DesktopName).
		Uint16("width", vc.FrameBufferWidth).
		Uint16("height", vc.FrameBufferHeight).
		Uint8("bpp", vc.PixelFormat.BPP).
		Msg("connected to remote framebuffer")
	return c, nil
}

// checkPixelFormat accepts true colour formats only. Colour map formats
// would need the server's palette, which is not tracked.
func checkPixelFormat(pf vnc.PixelFormat) error {
	if !pf.TrueColor {
		return fmt.Errorf("colour map pixel format (%d bpp) is not supported", pf.BPP)
	}
	if pf.RedMax == 0 || pf.GreenMax == 0 || pf.BlueMax == 0 {
		return fmt.Errorf("pixel format with zero channel maximum %d/%d/%d",
			pf.RedMax, pf.GreenMax, pf.BlueMax)
	}
	return nil
}

// pump converts protocol messages into rectangle batches.
func (c *client) pump() {
	for {
		select {
		case <-c.wc.done:
			return
		case msg := <-c.msgs:
			upd, ok := msg.(*vnc.FramebufferUpdateMessage)
			if !ok {
				c.logger.Debug().Uint8("type", msg.Type()).Msg("server message skipped")
				continue
			}
			rects := make([]RawRect, 0, len(upd.Rectangles))
			for _, r := range upd.Rectangles {
				rr := RawRect{
					Rect: Rect{
						X:      int(r.X),
						Y:      int(r.Y),
						Width:  int(r.Width),
						Height: int(r.Height),
					},
				}
				if r.Enc != nil {
					rr.Encoding = r.Enc.Type()
				}
				if raw, ok := r.Enc.(*vnc.RawEncoding); ok {
					rr.Colors = raw.Colors
				}
				rects = append(rects, rr)
			}
			select {
			case c.updates <- rects:
			case <-c.wc.done:
				return
			}
		}
	}
}

func (c *client) Width() int  { return int(c.vc.FrameBufferWidth) }
func (c *client) Height() int { return int(c.vc.FrameBufferHeight) }

func (c *client) ColorMax() (uint16, uint16, uint16) {
	pf := c.vc.PixelFormat
	return pf.RedMax, pf.GreenMax, pf.BlueMax
}

func (c *client) Updates() <-chan []RawRect { return c.updates }

func (c *client) RequestUpdate(incremental bool, r Rect) error {
	return c.vc.FramebufferUpdateRequest(incremental,
		uint16(r.X), uint16(r.Y), uint16(r.Width), uint16(r.Height))
}

func (c *client) PointerEvent(mask uint8, x, y int) error {
	return c.vc.PointerEvent(vnc.ButtonMask(mask), uint16(x), uint16(y))
}

func (c *client) KeyEvent(keysym uint32, down bool) error {
	return c.vc.KeyEvent(keysym, down)
}

func (c *client) Done() <-chan struct{} { return c.wc.done }

func (c *client) Err() error {
	err := c.wc.Err()
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("remote closed the connection: %w", err)
	}
	return err
}

func (c *client) Close() error {
	return c.vc.Close()
}

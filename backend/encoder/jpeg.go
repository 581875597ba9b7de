package encoder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"

	"github.com/adwski/rfb-webrtc-bridge/backend/rfb"
	"github.com/disintegration/imaging"
)

const (
	// MaxQuality is the hard ceiling applied to every requested quality.
	MaxQuality = 60
	minQuality = 1

	// HeaderSize is the big-endian (x, y) prefix of every tile.
	HeaderSize = 8
)

func clampQuality(q int) int {
	return max(minQuality, min(q, MaxQuality))
}

// EncodeJPEG compresses an RGBA tile and prepends its coordinates.
func EncodeJPEG(job Job) ([]byte, error) {
	r := job.Rect
	if r.Empty() {
		return nil, fmt.Errorf("empty tile %+v", r)
	}
	stride := r.Width * rfb.BytesPerPixel
	if len(job.Pixels) < stride*r.Height {
		return nil, fmt.Errorf("tile %+v needs %d bytes, got %d", r, stride*r.Height, len(job.Pixels))
	}
	img := &image.NRGBA{
		Pix:    job.Pixels[:stride*r.Height],
		Stride: stride,
		Rect:   image.Rect(0, 0, r.Width, r.Height),
	}

	out := bytes.NewBuffer(make([]byte, HeaderSize, HeaderSize+r.Area()/4))
	binary.BigEndian.PutUint32(out.Bytes()[0:4], uint32(r.X))
	binary.BigEndian.PutUint32(out.Bytes()[4:8], uint32(r.Y))

	if err := imaging.Encode(out, img, imaging.JPEG, imaging.JPEGQuality(clampQuality(job.Quality))); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return out.Bytes(), nil
}

// DecodeHeader returns the tile coordinates carried in the first bytes of a tile.
func DecodeHeader(tile []byte) (x, y int, ok bool) {
	if len(tile) < HeaderSize {
		return 0, 0, false
	}
	return int(binary.BigEndian.Uint32(tile[0:4])), int(binary.BigEndian.Uint32(tile[4:8])), true
}

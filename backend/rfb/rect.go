package rfb

import "math"

// BytesPerPixel of the RGBA framebuffer mirror.
const BytesPerPixel = 4

type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Rect) Area() int {
	return r.Width * r.Height
}

func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Within reports whether r lies completely inside a width x height surface.
func (r Rect) Within(width, height int) bool {
	return r.X >= 0 && r.Y >= 0 && !r.Empty() &&
		r.X+r.Width <= width && r.Y+r.Height <= height
}

// bounds is the running union of dirty rectangles between two consumptions.
type bounds struct {
	minX, minY int
	maxX, maxY int
	n          int
}

func newBounds() bounds {
	return bounds{minX: math.MaxInt, minY: math.MaxInt}
}

func (b *bounds) add(r Rect) {
	b.minX = min(b.minX, r.X)
	b.minY = min(b.minY, r.Y)
	b.maxX = max(b.maxX, r.X+r.Width)
	b.maxY = max(b.maxY, r.Y+r.Height)
	b.n++
}

func (b *bounds) take() (Rect, bool) {
	if b.n == 0 {
		return Rect{}, false
	}
	r := Rect{
		X:      b.minX,
		Y:      b.minY,
		Width:  b.maxX - b.minX,
		Height: b.maxY - b.minY,
	}
	*b = newBounds()
	return r, true
}

// CopyOut copies r from an RGBA surface with the given pixel stride into dst,
// row by row. dst must hold r.Area()*BytesPerPixel bytes.
func CopyOut(src []byte, stride int, r Rect, dst []byte) {
	rowBytes := r.Width * BytesPerPixel
	for row := 0; row < r.Height; row++ {
		s := ((r.Y+row)*stride + r.X) * BytesPerPixel
		d := row * rowBytes
		copy(dst[d:d+rowBytes], src[s:s+rowBytes])
	}
}

// CopyIn is the inverse of CopyOut.
func CopyIn(dst []byte, stride int, r Rect, src []byte) {
	rowBytes := r.Width * BytesPerPixel
	for row := 0; row < r.Height; row++ {
		d := ((r.Y+row)*stride + r.X) * BytesPerPixel
		s := row * rowBytes
		copy(dst[d:d+rowBytes], src[s:s+rowBytes])
	}
}

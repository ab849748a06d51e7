package replog

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/1ureka/meshcall/internal/signaling"
)

const (
	defaultStrokeWidth = 2
	defaultEraseWidth  = 12
)

var defaultInk = color.RGBA{A: 0xff}

// Canvas folds whiteboard operations into a raster image. Point
// coordinates are canvas pixels; points outside the canvas are clipped.
type Canvas struct {
	Width      int
	Height     int
	Background color.RGBA
}

// DefaultCanvas is a white 1280x720 board.
func DefaultCanvas() Canvas {
	return Canvas{Width: 1280, Height: 720, Background: color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}}
}

// Render replays ops from an empty board. Only the operations after the
// last clear can affect the result, so only those are drawn.
func (c Canvas) Render(ops []signaling.WhiteboardOp) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, c.Width, c.Height))
	c.fill(img)

	for _, op := range Visible(ops) {
		switch op.Kind {
		case signaling.OpStroke:
			ink, err := ParseColor(op.Style.Color)
			if err != nil {
				ink = defaultInk
			}
			c.polyline(img, op.Points, width(op.Style.Width, defaultStrokeWidth), ink)
		case signaling.OpErase:
			c.polyline(img, op.Points, width(op.Style.Width, defaultEraseWidth), c.Background)
		}
	}
	return img
}

// WritePNG renders ops and encodes the result as PNG.
func (c Canvas) WritePNG(w io.Writer, ops []signaling.WhiteboardOp) error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("invalid canvas size %dx%d", c.Width, c.Height)
	}
	return png.Encode(w, c.Render(ops))
}

func (c Canvas) fill(img *image.RGBA) {
	for y := 0; y < c.Height; y++ {
		for x := 0; x < c.Width; x++ {
			img.SetRGBA(x, y, c.Background)
		}
	}
}

func width(w, fallback float64) int {
	if w <= 0 {
		w = fallback
	}
	return max(1, int(math.Round(w)))
}

// polyline stamps a square pen of side w along each segment. A single
// point draws a dot.
func (c Canvas) polyline(img *image.RGBA, pts []signaling.Point, w int, ink color.RGBA) {
	switch len(pts) {
	case 0:
		return
	case 1:
		p := pts[0]
		c.stamp(img, int(math.Round(p.X)), int(math.Round(p.Y)), w, ink)
		return
	}
	for i := 1; i < len(pts); i++ {
		a, b := pts[i-1], pts[i]
		c.line(img,
			int(math.Round(a.X)), int(math.Round(a.Y)),
			int(math.Round(b.X)), int(math.Round(b.Y)),
			w, ink)
	}
}

// line walks from (x0,y0) to (x1,y1) with Bresenham's algorithm.
func (c Canvas) line(img *image.RGBA, x0, y0, x1, y1, w int, ink color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy

	for {
		c.stamp(img, x0, y0, w, ink)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func (c Canvas) stamp(img *image.RGBA, cx, cy, w int, ink color.RGBA) {
	half := w / 2
	r := image.Rect(cx-half, cy-half, cx-half+w, cy-half+w).Intersect(img.Rect)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, y, ink)
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// ParseColor reads "#rgb" or "#rrggbb". An empty string is black.
func ParseColor(s string) (color.RGBA, error) {
	if s == "" {
		return defaultInk, nil
	}
	hex, ok := strings.CutPrefix(s, "#")
	if !ok {
		return color.RGBA{}, fmt.Errorf("invalid color %q", s)
	}
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return color.RGBA{}, fmt.Errorf("invalid color %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}

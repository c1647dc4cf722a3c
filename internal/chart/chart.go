// Package chart renders simple time-series line charts as PNG.
package chart

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	DefaultWidth  = 960
	DefaultHeight = 400

	marginLeft   = 56
	marginRight  = 16
	marginTop    = 32
	marginBottom = 40
)

var (
	background = color.RGBA{250, 250, 252, 255}
	axisColor  = color.RGBA{90, 90, 100, 255}
	gridColor  = color.RGBA{225, 225, 232, 255}
	textColor  = color.RGBA{40, 40, 48, 255}

	// Palette is cycled through for series without an explicit colour.
	Palette = []color.RGBA{
		{31, 119, 180, 255},
		{255, 127, 14, 255},
		{44, 160, 44, 255},
		{214, 39, 40, 255},
	}
)

var ErrNoData = errors.New("chart has no data points")

type Point struct {
	X time.Time
	Y float64
}

type Series struct {
	Name   string
	Points []Point
	Color  color.Color
}

type Options struct {
	Title  string
	YLabel string
	Width  int
	Height int
}

type bounds struct {
	minX, maxX time.Time
	minY, maxY float64
}

// LineChart draws each series as a polyline on shared axes and encodes the
// result as PNG. Points need not be sorted.
func LineChart(opts Options, series ...Series) ([]byte, error) {
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	if opts.Height <= 0 {
		opts.Height = DefaultHeight
	}
	if opts.Width <= marginLeft+marginRight || opts.Height <= marginTop+marginBottom {
		return nil, fmt.Errorf("chart size %dx%d too small", opts.Width, opts.Height)
	}

	b, ok := dataBounds(series)
	if !ok {
		return nil, ErrNoData
	}

	img := image.NewRGBA(image.Rect(0, 0, opts.Width, opts.Height))
	draw.Draw(img, img.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)

	plot := image.Rect(marginLeft, marginTop, opts.Width-marginRight, opts.Height-marginBottom)
	drawGrid(img, plot, b)

	for i, s := range series {
		col := s.Color
		if col == nil {
			col = Palette[i%len(Palette)]
		}
		sorted := sortedPoints(s.Points)
		for j := 1; j < len(sorted); j++ {
			x0, y0 := project(plot, b, sorted[j-1])
			x1, y1 := project(plot, b, sorted[j])
			drawLine(img, x0, y0, x1, y1, col)
		}
		if len(sorted) == 1 {
			x, y := project(plot, b, sorted[0])
			fillRect(img, image.Rect(x-2, y-2, x+3, y+3), col)
		}
	}

	drawText(img, opts.Title, marginLeft, 20, textColor)
	if opts.YLabel != "" {
		drawText(img, opts.YLabel, 4, 20, axisColor)
	}
	drawLegend(img, plot, series)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode chart: %w", err)
	}
	return buf.Bytes(), nil
}

func dataBounds(series []Series) (bounds, bool) {
	b := bounds{minY: math.Inf(1), maxY: math.Inf(-1)}
	found := false
	for _, s := range series {
		for _, p := range s.Points {
			if math.IsNaN(p.Y) || math.IsInf(p.Y, 0) {
				continue
			}
			if !found || p.X.Before(b.minX) {
				b.minX = p.X
			}
			if !found || p.X.After(b.maxX) {
				b.maxX = p.X
			}
			b.minY = math.Min(b.minY, p.Y)
			b.maxY = math.Max(b.maxY, p.Y)
			found = true
		}
	}
	if !found {
		return b, false
	}
	if b.minY > 0 {
		b.minY = 0
	}
	if b.maxY == b.minY {
		b.maxY = b.minY + 1
	}
	if !b.maxX.After(b.minX) {
		b.maxX = b.minX.Add(time.Hour)
	}
	return b, true
}

func sortedPoints(pts []Point) []Point {
	out := make([]Point, 0, len(pts))
	for _, p := range pts {
		if !math.IsNaN(p.Y) && !math.IsInf(p.Y, 0) {
			out = append(out, p)
		}
	}
	// insertion sort; series are short and usually already ordered
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].X.Before(out[j-1].X); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func project(plot image.Rectangle, b bounds, p Point) (int, int) {
	fx := float64(p.X.Sub(b.minX)) / float64(b.maxX.Sub(b.minX))
	fy := (p.Y - b.minY) / (b.maxY - b.minY)
	x := plot.Min.X + int(math.Round(fx*float64(plot.Dx()-1)))
	y := plot.Max.Y - 1 - int(math.Round(fy*float64(plot.Dy()-1)))
	return x, y
}

func drawGrid(img *image.RGBA, plot image.Rectangle, b bounds) {
	const ticks = 4
	for i := 0; i <= ticks; i++ {
		y := plot.Max.Y - 1 - i*(plot.Dy()-1)/ticks
		drawLine(img, plot.Min.X, y, plot.Max.X-1, y, gridColor)
		v := b.minY + float64(i)*(b.maxY-b.minY)/ticks
		drawText(img, formatTick(v), 4, y+4, axisColor)
	}
	drawLine(img, plot.Min.X, plot.Min.Y, plot.Min.X, plot.Max.Y-1, axisColor)
	drawLine(img, plot.Min.X, plot.Max.Y-1, plot.Max.X-1, plot.Max.Y-1, axisColor)

	layout := "Jan 2 15:04"
	if b.maxX.Sub(b.minX) > 7*24*time.Hour {
		layout = "Jan 2"
	}
	drawText(img, b.minX.UTC().Format(layout), plot.Min.X, plot.Max.Y+16, axisColor)
	last := b.maxX.UTC().Format(layout)
	drawText(img, last, plot.Max.X-textWidth(last), plot.Max.Y+16, axisColor)
}

func drawLegend(img *image.RGBA, plot image.Rectangle, series []Series) {
	x := plot.Min.X
	y := plot.Max.Y + 32
	for i, s := range series {
		if s.Name == "" {
			continue
		}
		col := s.Color
		if col == nil {
			col = Palette[i%len(Palette)]
		}
		fillRect(img, image.Rect(x, y-8, x+10, y+1), col)
		drawText(img, s.Name, x+14, y, textColor)
		x += 14 + textWidth(s.Name) + 16
	}
}

func formatTick(v float64) string {
	if math.Abs(v) >= 100 || v == math.Trunc(v) {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.1f", v)
}

func textWidth(s string) int {
	return font.MeasureString(basicfont.Face7x13, s).Round()
}

func drawText(img *image.RGBA, text string, x, y int, col color.Color) {
	if text == "" {
		return
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

func fillRect(img *image.RGBA, r image.Rectangle, col color.Color) {
	draw.Draw(img, r.Intersect(img.Bounds()), image.NewUniform(col), image.Point{}, draw.Src)
}

// drawLine is Bresenham with a two pixel pen.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, col color.Color) {
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
		img.Set(x0, y0, col)
		img.Set(x0, y0+1, col)
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

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

package process

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"sentinel/video/source"
)

var (
	colorTime = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	colorBG   = color.RGBA{R: 0, G: 0, B: 0, A: 255}
)

const (
	font      = gocv.FontHersheySimplex
	fontScale = 0.5
	thickness = 1
	pad       = 2
)

// DrawLabel draws text at org (baseline left) over a filled background box.
func DrawLabel(m *gocv.Mat, text string, org image.Point, bg, fg color.RGBA) {
	sz := gocv.GetTextSize(text, font, fontScale, thickness)
	box := image.Rect(org.X, org.Y-sz.Y-pad, org.X+sz.X+pad*2, org.Y+pad)
	gocv.Rectangle(m, box, bg, -1)
	gocv.PutText(m, text, image.Point{X: org.X + pad, Y: org.Y}, font, fontScale, fg, thickness)
}

// DrawTimestamp draws the label and capture time in the top left corner.
func DrawTimestamp(name string, f source.Frame) source.Frame {
	text := name + " - " + f.Time.Format("2006-01-02 15:04:05 MST")
	sz := gocv.GetTextSize(text, font, fontScale, thickness)
	DrawLabel(&f.Mat, text, image.Point{X: 0, Y: sz.Y + pad}, colorBG, colorTime)
	return f
}

// Placeholder renders a black frame with a centered message, shown to
// viewers while no stream is available.
func Placeholder(size image.Point, text string) gocv.Mat {
	m := gocv.NewMatWithSize(size.Y, size.X, gocv.MatTypeCV8UC3)
	m.SetTo(gocv.NewScalar(0, 0, 0, 0))
	sz := gocv.GetTextSize(text, font, 0.7, thickness)
	org := image.Point{X: (size.X - sz.X) / 2, Y: (size.Y + sz.Y) / 2}
	gocv.PutText(&m, text, org, font, 0.7, colorTime, thickness)
	return m
}

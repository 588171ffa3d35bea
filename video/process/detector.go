package process

import (
	"fmt"
	"image"
	"image/color"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"sentinel/config"
)

// Detection is a single object found in a frame.
type Detection struct {
	Class      string
	Confidence float32
	Box        image.Rectangle
}

// Result of a detector invocation. The caller owns Annotated.
type Result struct {
	Annotated  gocv.Mat
	Detections []Detection
}

// Detector finds objects in a frame and draws them onto a copy of it. It is
// only called from a single goroutine.
type Detector interface {
	Detect(frame gocv.Mat) (Result, error)
	Close() error
}

type Detections []Detection

// Best returns the highest confidence per class.
func (d Detections) Best() map[string]float32 {
	m := make(map[string]float32)
	for _, det := range d {
		if m[det.Class] < det.Confidence {
			m[det.Class] = det.Confidence
		}
	}
	return m
}

func (d Detections) DebugString() string {
	best := d.Best()
	var ds []string
	for k, v := range best {
		ds = append(ds, fmt.Sprintf("%s: %.2f", k, v))
	}
	sort.Strings(ds)
	return strings.Join(ds, ", ")
}

type DetectorOptions struct {
	ModelPath    string
	Classes      []string
	Confidence   float32
	NMSThreshold float32
	InputSize    int
	Device       string
}

func DetectorOptionsFromConfig(c *config.Config) DetectorOptions {
	return DetectorOptions{
		ModelPath:    c.ModelPath,
		Classes:      c.ModelClasses,
		Confidence:   float32(c.Confidence),
		NMSThreshold: float32(c.NMSThreshold),
		InputSize:    c.InputSize,
		Device:       c.Device,
	}
}

var (
	colorBox   = color.RGBA{R: 255, G: 64, B: 0, A: 255}
	colorLabel = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// YOLODetector runs a YOLOv8-style ONNX model (output [1, 4+classes, N])
// through OpenCV's DNN module.
type YOLODetector struct {
	net  gocv.Net
	opts DetectorOptions
}

func NewYOLODetector(opts DetectorOptions) (*YOLODetector, error) {
	net := gocv.ReadNet(opts.ModelPath, "")
	if net.Empty() {
		net.Close()
		return nil, fmt.Errorf("failed to read model %v", opts.ModelPath)
	}
	backend, target := gocv.NetBackendDefault, gocv.NetTargetCPU
	if opts.Device == config.DeviceAccelerator {
		backend, target = gocv.NetBackendCUDA, gocv.NetTargetCUDA
	}
	if err := net.SetPreferableBackend(backend); err != nil {
		net.Close()
		return nil, err
	}
	if err := net.SetPreferableTarget(target); err != nil {
		net.Close()
		return nil, err
	}
	log.Infof("Loaded detection model %v (%d classes, device %v)", opts.ModelPath, len(opts.Classes), opts.Device)
	return &YOLODetector{net: net, opts: opts}, nil
}

func (y *YOLODetector) className(id int) string {
	if id < len(y.opts.Classes) {
		return y.opts.Classes[id]
	}
	return fmt.Sprintf("class%d", id)
}

func (y *YOLODetector) Detect(frame gocv.Mat) (Result, error) {
	if frame.Empty() {
		return Result{}, fmt.Errorf("empty frame")
	}
	size := image.Point{X: y.opts.InputSize, Y: y.opts.InputSize}
	blob := gocv.BlobFromImage(frame, 1.0/255.0, size, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	y.net.SetInput(blob, "")
	out := y.net.Forward("")
	defer out.Close()

	dims := out.Size()
	if len(dims) != 3 || dims[1] < 5 {
		return Result{}, fmt.Errorf("unexpected model output shape %v", dims)
	}
	rows, cells := dims[1], dims[2]

	// [1, 4+nc, N] -> [N, 4+nc]
	flat := out.Reshape(1, rows)
	defer flat.Close()
	preds := gocv.NewMat()
	defer preds.Close()
	gocv.Transpose(flat, &preds)

	sx := float32(frame.Cols()) / float32(size.X)
	sy := float32(frame.Rows()) / float32(size.Y)

	var (
		boxes   []image.Rectangle
		scores  []float32
		classes []int
	)
	for i := 0; i < cells; i++ {
		best, bestScore := -1, float32(0)
		for c := 4; c < rows; c++ {
			if s := preds.GetFloatAt(i, c); s > bestScore {
				best, bestScore = c-4, s
			}
		}
		if best < 0 || bestScore < y.opts.Confidence {
			continue
		}
		cx, cy := preds.GetFloatAt(i, 0)*sx, preds.GetFloatAt(i, 1)*sy
		w, h := preds.GetFloatAt(i, 2)*sx, preds.GetFloatAt(i, 3)*sy
		boxes = append(boxes, image.Rect(int(cx-w/2), int(cy-h/2), int(cx+w/2), int(cy+h/2)))
		scores = append(scores, bestScore)
		classes = append(classes, best)
	}

	annotated := frame.Clone()
	var dets []Detection
	if len(boxes) > 0 {
		for _, idx := range gocv.NMSBoxes(boxes, scores, y.opts.Confidence, y.opts.NMSThreshold) {
			d := Detection{
				Class:      y.className(classes[idx]),
				Confidence: scores[idx],
				Box:        boxes[idx].Intersect(image.Rect(0, 0, frame.Cols(), frame.Rows())),
			}
			dets = append(dets, d)
			drawDetection(&annotated, d)
		}
	}
	return Result{Annotated: annotated, Detections: dets}, nil
}

func drawDetection(m *gocv.Mat, d Detection) {
	gocv.Rectangle(m, d.Box, colorBox, 2)
	label := fmt.Sprintf("%s %.2f", d.Class, d.Confidence)
	org := d.Box.Min.Add(image.Point{Y: -6})
	if org.Y < 12 {
		org.Y = d.Box.Min.Y + 14
	}
	DrawLabel(m, label, org, colorBox, colorLabel)
}

func (y *YOLODetector) Close() error {
	return y.net.Close()
}

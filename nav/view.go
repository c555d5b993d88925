package nav

import (
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"strconv"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// SliceAxis selects one of the three orthogonal slice views
type SliceAxis int

const (
	Axial    SliceAxis = iota // looking down z: x right, y up
	Coronal                   // looking along y: x right, z up
	Sagittal                  // looking along x: y right, z up
)

func (a SliceAxis) String() string {
	switch a {
	case Axial:
		return "AXIAL"
	case Coronal:
		return "CORONAL"
	case Sagittal:
		return "SAGITTAL"
	default:
		return "?"
	}
}

// project drops the axis perpendicular to the slice
func (a SliceAxis) project(p Vec3) orb.Point {
	switch a {
	case Coronal:
		return orb.Point{p.X, p.Z}
	case Sagittal:
		return orb.Point{p.Y, p.Z}
	default:
		return orb.Point{p.X, p.Y}
	}
}

// Panel layout in canvas units (mm)
const (
	panelSize   = 100.0
	panelGap    = 10.0
	labelBand   = 8.0
	trailLength = 200
)

// ViewSnapshot is everything drawn in one frame
type ViewSnapshot struct {
	Coordinate *NavCoordinate
	Target     *Pose
	Seed       *TractSeed
	OnTarget   bool
}

// ViewRenderer draws the slice cursor as three orthogonal panels
type ViewRenderer struct {
	Image      ImageConfig
	Resolution canvas.Resolution // Resolution for PNG output
	Tolerance  float64           // Trail simplification tolerance (mm)

	mu    sync.Mutex
	trail []Vec3
}

// NewViewRenderer creates a renderer for the given image extent
func NewViewRenderer(img ImageConfig) *ViewRenderer {
	return &ViewRenderer{
		Image:      img,
		Resolution: canvas.DPMM(4),
		Tolerance:  0.5,
	}
}

// Record appends a coordinate to the trail
func (r *ViewRenderer) Record(c NavCoordinate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trail = append(r.trail, c.Matrix.TranslationPart())
	if len(r.trail) > trailLength {
		r.trail = r.trail[len(r.trail)-trailLength:]
	}
}

// ClearTrail forgets recorded positions
func (r *ViewRenderer) ClearTrail() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trail = nil
}

func (r *ViewRenderer) trailCopy() []Vec3 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Vec3(nil), r.trail...)
}

// Size returns the canvas width and height in mm
func (r *ViewRenderer) Size() (float64, float64) {
	return 3*panelSize + 4*panelGap, panelSize + 2*panelGap + labelBand
}

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderSVG writes the view as SVG
func (r *ViewRenderer) RenderSVG(w io.Writer, snap ViewSnapshot) error {
	width, height := r.Size()
	svgRenderer := svg.New(w, width, height, nil)
	r.render(svgRenderer, snap)
	return svgRenderer.Close()
}

// RenderPNG writes the view as PNG with text labels
func (r *ViewRenderer) RenderPNG(w io.Writer, snap ViewSnapshot) error {
	width, height := r.Size()
	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.render(rast, snap)
	r.drawLabels(rast, snap, height)
	return png.Encode(w, rast)
}

// panelFrame maps image coordinates of one axis into its panel
type panelFrame struct {
	axis    SliceAxis
	bound   orb.Bound // image-space extent on the two panel axes
	originX float64   // panel lower-left corner in canvas units
	originY float64
	scale   float64
}

func (r *ViewRenderer) panels() []panelFrame {
	lo := r.Image.Origin
	hi := r.Image.Origin.Add(r.Image.Extent)
	frames := make([]panelFrame, 0, 3)
	for i, axis := range []SliceAxis{Axial, Coronal, Sagittal} {
		b := orb.MultiPoint{axis.project(lo), axis.project(hi)}.Bound()
		span := math.Max(b.Right()-b.Left(), b.Top()-b.Bottom())
		scale := 1.0
		if span > 0 {
			scale = panelSize / span
		}
		frames = append(frames, panelFrame{
			axis:    axis,
			bound:   b,
			originX: panelGap + float64(i)*(panelSize+panelGap),
			originY: panelGap,
			scale:   scale,
		})
	}
	return frames
}

func (f panelFrame) toCanvas(p orb.Point) (float64, float64) {
	return f.originX + (p[0]-f.bound.Left())*f.scale, f.originY + (p[1]-f.bound.Bottom())*f.scale
}

var (
	cursorColor   = color.RGBA{0, 200, 0, 255}
	targetColor   = color.RGBA{220, 30, 30, 255}
	onTargetColor = color.RGBA{30, 160, 255, 255}
	seedColor     = color.RGBA{255, 140, 0, 255}
	trailColor    = color.RGBA{120, 120, 120, 255}
	panelColor    = color.RGBA{20, 20, 20, 255}
)

func (r *ViewRenderer) render(renderer canvasRenderer, snap ViewSnapshot) {
	width, height := r.Size()

	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	trail := r.trailCopy()

	for _, f := range r.panels() {
		// Panel background
		panelStyle := canvas.DefaultStyle
		panelStyle.Fill = canvas.Paint{Color: panelColor}
		panelStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
		w := (f.bound.Right() - f.bound.Left()) * f.scale
		h := (f.bound.Top() - f.bound.Bottom()) * f.scale
		renderer.RenderPath(canvas.Rectangle(w, h).Translate(f.originX, f.originY), panelStyle, canvas.Identity)

		// Trail, simplified so long sessions stay light
		if len(trail) > 1 {
			ls := make(orb.LineString, len(trail))
			for i, p := range trail {
				ls[i] = f.axis.project(p)
			}
			ls = simplify.DouglasPeucker(r.Tolerance).LineString(ls)
			trailStyle := canvas.DefaultStyle
			trailStyle.Fill = canvas.Paint{Color: canvas.Transparent}
			trailStyle.Stroke = canvas.Paint{Color: trailColor}
			trailStyle.StrokeWidth = 0.4
			path := &canvas.Path{}
			for i, p := range ls {
				x, y := f.toCanvas(p)
				if i == 0 {
					path.MoveTo(x, y)
				} else {
					path.LineTo(x, y)
				}
			}
			renderer.RenderPath(path, trailStyle, canvas.Identity)
		}

		if snap.Target != nil {
			tp := f.axis.project(snap.Target.Position())
			x, y := f.toCanvas(tp)
			style := canvas.DefaultStyle
			style.Fill = canvas.Paint{Color: canvas.Transparent}
			style.Stroke = canvas.Paint{Color: targetColor}
			if snap.OnTarget {
				style.Stroke = canvas.Paint{Color: onTargetColor}
			}
			style.StrokeWidth = 0.6
			renderer.RenderPath(canvas.Circle(3).Translate(x, y), style, canvas.Identity)
		}

		if snap.Seed != nil {
			sp := f.axis.project(snap.Seed.Seed)
			x, y := f.toCanvas(sp)
			style := canvas.DefaultStyle
			style.Fill = canvas.Paint{Color: seedColor}
			renderer.RenderPath(canvas.Circle(1).Translate(x, y), style, canvas.Identity)
		}

		if snap.Coordinate != nil {
			cp := f.axis.project(snap.Coordinate.Matrix.TranslationPart())
			if !f.bound.Contains(cp) {
				// Cursor outside the volume: outline the panel instead
				style := canvas.DefaultStyle
				style.Fill = canvas.Paint{Color: canvas.Transparent}
				style.Stroke = canvas.Paint{Color: targetColor}
				style.StrokeWidth = 1
				renderer.RenderPath(canvas.Rectangle(w, h).Translate(f.originX, f.originY), style, canvas.Identity)
				continue
			}
			x, y := f.toCanvas(cp)
			style := canvas.DefaultStyle
			style.Fill = canvas.Paint{Color: canvas.Transparent}
			style.Stroke = canvas.Paint{Color: cursorColor}
			style.StrokeWidth = 0.3

			cross := &canvas.Path{}
			cross.MoveTo(f.originX, y)
			cross.LineTo(f.originX+w, y)
			cross.MoveTo(x, f.originY)
			cross.LineTo(x, f.originY+h)
			renderer.RenderPath(cross, style, canvas.Identity)
		}
	}
}

// PanelDistance returns the in-plane distance between cursor and target on
// the given slice, or -1 if either is missing
func PanelDistance(axis SliceAxis, snap ViewSnapshot) float64 {
	if snap.Coordinate == nil || snap.Target == nil {
		return -1
	}
	a := axis.project(snap.Coordinate.Matrix.TranslationPart())
	b := axis.project(snap.Target.Position())
	return planar.Distance(a, b)
}

// drawLabels writes panel names and the target distance in pixel space
func (r *ViewRenderer) drawLabels(img draw.Image, snap ViewSnapshot, height float64) {
	dpmm := r.Resolution.DPMM()
	for _, f := range r.panels() {
		x := int(f.originX * dpmm)
		// canvas y grows upward, image y grows downward
		y := int((height - (f.originY + panelSize + labelBand/2)) * dpmm)
		text := f.axis.String()
		if d := PanelDistance(f.axis, snap); d >= 0 {
			text += " " + formatMM(d)
		}
		drawText(img, text, x, y, color.Black)
	}
}

func drawText(img draw.Image, text string, x, y int, c color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// formatMM prints one decimal, enough for on-screen guidance
func formatMM(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64) + "mm"
}

package nav

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// FiducialCount is the number of paired landmarks used for registration
const FiducialCount = 3

// Fiducial slot names, in registration order
var FiducialNames = [FiducialCount]string{"left_ear", "right_ear", "nasion"}

// Registration methods
const (
	MethodLeastSquares = "leastsquares"
	MethodBasis        = "basis"
)

// Fiducial is one landmark with its image and tracker coordinates.
// A nil pointer means the coordinate has not been collected yet.
type Fiducial struct {
	Name    string `json:"name"`
	Image   *Vec3  `json:"image,omitempty"`
	Tracker *Vec3  `json:"tracker,omitempty"`
}

// FiducialSet holds the three paired landmarks
type FiducialSet struct {
	Fiducials [FiducialCount]Fiducial `json:"fiducials"`
}

// NewFiducialSet returns an empty set with named slots
func NewFiducialSet() FiducialSet {
	var fs FiducialSet
	for i, name := range FiducialNames {
		fs.Fiducials[i].Name = name
	}
	return fs
}

// FiducialSetFromConfig builds a set from preconfigured coordinates.
// Missing entries are left unset.
func FiducialSetFromConfig(cfg FiducialConfig) FiducialSet {
	fs := NewFiducialSet()
	for i := 0; i < FiducialCount; i++ {
		if i < len(cfg.Image) {
			p := cfg.Image[i]
			fs.Fiducials[i].Image = &p
		}
		if i < len(cfg.Tracker) {
			p := cfg.Tracker[i]
			fs.Fiducials[i].Tracker = &p
		}
	}
	return fs
}

func checkIndex(index int) error {
	if index < 0 || index >= FiducialCount {
		return fmt.Errorf("fiducial index %d out of range [0,%d)", index, FiducialCount)
	}
	return nil
}

// SetImage stores the image-space coordinate of fiducial index
func (fs *FiducialSet) SetImage(index int, p Vec3) error {
	if err := checkIndex(index); err != nil {
		return err
	}
	fs.Fiducials[index].Image = &p
	return nil
}

// SetTracker stores the tracker-space coordinate of fiducial index
func (fs *FiducialSet) SetTracker(index int, p Vec3) error {
	if err := checkIndex(index); err != nil {
		return err
	}
	fs.Fiducials[index].Tracker = &p
	return nil
}

// Complete reports whether every slot has both coordinates
func (fs FiducialSet) Complete() bool {
	for _, f := range fs.Fiducials {
		if f.Image == nil || f.Tracker == nil {
			return false
		}
	}
	return true
}

// ImagePoints returns image coordinates in slot order (requires Complete)
func (fs FiducialSet) ImagePoints() []Vec3 {
	out := make([]Vec3, 0, FiducialCount)
	for _, f := range fs.Fiducials {
		if f.Image != nil {
			out = append(out, *f.Image)
		}
	}
	return out
}

// TrackerPoints returns tracker coordinates in slot order (requires Complete)
func (fs FiducialSet) TrackerPoints() []Vec3 {
	out := make([]Vec3, 0, FiducialCount)
	for _, f := range fs.Fiducials {
		if f.Tracker != nil {
			out = append(out, *f.Tracker)
		}
	}
	return out
}

// Clone returns a deep copy
func (fs FiducialSet) Clone() FiducialSet {
	out := fs
	for i, f := range fs.Fiducials {
		if f.Image != nil {
			p := *f.Image
			out.Fiducials[i].Image = &p
		}
		if f.Tracker != nil {
			p := *f.Tracker
			out.Fiducials[i].Tracker = &p
		}
	}
	return out
}

// minTriangleArea is the smallest fiducial triangle accepted, in mm^2
const minTriangleArea = 1e-3

// Validate checks completeness and that neither triangle is degenerate
func (fs FiducialSet) Validate() error {
	if !fs.Complete() {
		return ErrIncompleteFiducials
	}
	if collinear(fs.ImagePoints()) {
		return fmt.Errorf("image space: %w", ErrCollinearFiducials)
	}
	if collinear(fs.TrackerPoints()) {
		return fmt.Errorf("tracker space: %w", ErrCollinearFiducials)
	}
	return nil
}

func collinear(p []Vec3) bool {
	area := p[1].Sub(p[0]).Cross(p[2].Sub(p[0])).Norm() / 2
	return area < minTriangleArea
}

// Registration is the tracker-to-image mapping produced from a fiducial set.
// It is immutable once built; updates create a new value.
type Registration struct {
	ChangeOfBasis Matrix4     `json:"changeOfBasis"`
	ICP           *Matrix4    `json:"icp,omitempty"`
	ICPError      float64     `json:"icpError,omitempty"`
	FRE           float64     `json:"fre"`
	Residuals     []float64   `json:"residuals"`
	Method        string      `json:"method"`
	RefMode       RefMode     `json:"refMode"`
	Fiducials     FiducialSet `json:"fiducials"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// Quality grades the registration by FRE
func (r *Registration) Quality() string {
	return GradeFRE(r.FRE)
}

// ImageMatrix returns m_icp * m_change (or m_change alone without ICP)
func (r *Registration) ImageMatrix() Matrix4 {
	if r.ICP != nil {
		return Multiply(*r.ICP, r.ChangeOfBasis)
	}
	return r.ChangeOfBasis
}

// WithICP returns a copy of r with the ICP correction replaced
func (r *Registration) WithICP(icp *Matrix4, icpErr float64) *Registration {
	out := *r
	out.Residuals = append([]float64(nil), r.Residuals...)
	out.Fiducials = r.Fiducials.Clone()
	if icp != nil {
		m := *icp
		out.ICP = &m
	} else {
		out.ICP = nil
	}
	out.ICPError = icpErr
	out.CreatedAt = time.Now()
	return &out
}

// Register computes the change-of-basis matrix from tracker to image space.
// Method is "leastsquares" (default when empty) or "basis".
func Register(fs FiducialSet, method string, refMode RefMode) (*Registration, error) {
	if err := fs.Validate(); err != nil {
		return nil, err
	}
	if method == "" {
		method = MethodLeastSquares
	}
	if refMode == "" {
		refMode = RefModeStatic
	}

	img := fs.ImagePoints()
	trk := fs.TrackerPoints()

	var change Matrix4
	switch method {
	case MethodLeastSquares:
		change = CalculateRigidTransform(trk, img)
	case MethodBasis:
		fImg, err := basisFrame(img)
		if err != nil {
			return nil, fmt.Errorf("image space: %w", err)
		}
		fTrk, err := basisFrame(trk)
		if err != nil {
			return nil, fmt.Errorf("tracker space: %w", err)
		}
		inv, err := Inverse(fTrk)
		if err != nil {
			return nil, fmt.Errorf("inverting tracker frame: %w", err)
		}
		change = Multiply(fImg, inv)
	default:
		return nil, fmt.Errorf("unknown registration method %q", method)
	}

	fre, residuals := ComputeFRE(change, trk, img)
	return &Registration{
		ChangeOfBasis: change,
		FRE:           fre,
		Residuals:     residuals,
		Method:        method,
		RefMode:       refMode,
		Fiducials:     fs.Clone(),
		CreatedAt:     time.Now(),
	}, nil
}

// basisFrame builds an orthonormal frame on a landmark triangle. The origin
// is the foot of the perpendicular from p3 onto the line p1-p2; the first
// axis points from that origin to p1, the second toward p3.
func basisFrame(p []Vec3) (Matrix4, error) {
	p1, p2, p3 := p[0], p[1], p[2]

	sub1 := p2.Sub(p1)
	sub2 := p3.Sub(p1)
	den := sub1.Dot(sub1)
	if den < 1e-12 {
		return Matrix4{}, ErrCollinearFiducials
	}
	lamb := sub1.Dot(sub2) / den
	q := p1.Add(sub1.Scale(lamb))

	g1 := p1.Sub(q)
	if g1.Norm() < 1e-9 {
		g1 = p2.Sub(q)
	}
	g2 := p3.Sub(q)
	g3 := g2.Cross(g1)

	g1, g2, g3 = g1.Normalize(), g2.Normalize(), g3.Normalize()
	if g1.Norm() == 0 || g2.Norm() == 0 || g3.Norm() == 0 {
		return Matrix4{}, ErrCollinearFiducials
	}

	// Columns are the basis vectors, translation is the origin
	return Matrix4{
		g1.X, g2.X, g3.X, q.X,
		g1.Y, g2.Y, g3.Y, q.Y,
		g1.Z, g2.Z, g3.Z, q.Z,
		0, 0, 0, 1,
	}, nil
}

// ComputeFRE returns the RMS of |m*tracker_i - image_i| and the per-point residuals
func ComputeFRE(m Matrix4, tracker, image []Vec3) (float64, []float64) {
	if len(tracker) == 0 || len(tracker) != len(image) {
		return math.Inf(1), nil
	}
	residuals := make([]float64, len(tracker))
	squares := make([]float64, len(tracker))
	for i := range tracker {
		d := Distance3(TransformPoint(m, tracker[i]), image[i])
		residuals[i] = d
		squares[i] = d * d
	}
	return math.Sqrt(stat.Mean(squares, nil)), residuals
}

// FRE quality thresholds in mm
const (
	FREExcellent = 1.0
	FREGood      = 2.0
	FREFair      = 3.0
)

// GradeFRE classifies a fiducial registration error
func GradeFRE(fre float64) string {
	switch {
	case fre < FREExcellent:
		return "excellent"
	case fre < FREGood:
		return "good"
	case fre < FREFair:
		return "fair"
	default:
		return "poor"
	}
}

// CheckFRE returns ErrFRETooHigh when maxFRE > 0 and the registration exceeds it
func CheckFRE(r *Registration, maxFRE float64) error {
	if maxFRE > 0 && r.FRE > maxFRE {
		return fmt.Errorf("%w: %.2fmm > %.2fmm", ErrFRETooHigh, r.FRE, maxFRE)
	}
	return nil
}

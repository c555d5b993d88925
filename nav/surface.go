package nav

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// surfacePoint adapts Vec3 to kdtree.Comparable
type surfacePoint Vec3

// Compare implements the kdtree.Comparable interface
func (p surfacePoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(surfacePoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

func (p surfacePoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance
func (p surfacePoint) Distance(c kdtree.Comparable) float64 {
	q := c.(surfacePoint)
	dx, dy, dz := p.X-q.X, p.Y-q.Y, p.Z-q.Z
	return dx*dx + dy*dy + dz*dz
}

type surfacePoints []surfacePoint

func (p surfacePoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p surfacePoints) Len() int                              { return len(p) }
func (p surfacePoints) Slice(start, end int) kdtree.Interface { return p[start:end] }
func (p surfacePoints) Pivot(d kdtree.Dim) int {
	plane := surfacePlane{surfacePoints: p, Dim: d}
	return kdtree.Partition(plane, kdtree.MedianOfRandoms(plane, 100))
}

type surfacePlane struct {
	surfacePoints
	kdtree.Dim
}

func (p surfacePlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.surfacePoints[i].X < p.surfacePoints[j].X
	case 1:
		return p.surfacePoints[i].Y < p.surfacePoints[j].Y
	case 2:
		return p.surfacePoints[i].Z < p.surfacePoints[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p surfacePlane) Slice(start, end int) kdtree.SortSlicer {
	return surfacePlane{surfacePoints: p.surfacePoints[start:end], Dim: p.Dim}
}

func (p surfacePlane) Swap(i, j int) {
	p.surfacePoints[i], p.surfacePoints[j] = p.surfacePoints[j], p.surfacePoints[i]
}

// Surface is an image-space point cloud indexed for nearest-neighbour queries
type Surface struct {
	points []Vec3
	tree   *kdtree.Tree
}

// NewSurface indexes the given points. Duplicate vertices are kept.
func NewSurface(points []Vec3) (*Surface, error) {
	if len(points) < 3 {
		return nil, fmt.Errorf("surface needs at least 3 points, got %d: %w", len(points), ErrNotEnoughPoints)
	}
	pts := make(surfacePoints, len(points))
	for i, p := range points {
		pts[i] = surfacePoint(p)
	}
	own := make([]Vec3, len(points))
	copy(own, points)
	return &Surface{points: own, tree: kdtree.New(pts, true)}, nil
}

// Len returns the number of indexed points
func (s *Surface) Len() int { return len(s.points) }

// Points returns a copy of the indexed points
func (s *Surface) Points() []Vec3 {
	out := make([]Vec3, len(s.points))
	copy(out, s.points)
	return out
}

// Nearest returns the closest surface point to q and its distance
func (s *Surface) Nearest(q Vec3) (Vec3, float64) {
	c, d2 := s.tree.Nearest(surfacePoint(q))
	if c == nil {
		return Vec3{}, math.Inf(1)
	}
	return Vec3(c.(surfacePoint)), math.Sqrt(d2)
}

// LoadSurfaceSTL reads an STL mesh (binary or ASCII) and indexes its vertices
func LoadSurfaceSTL(path string) (*Surface, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening surface file: %w", err)
	}
	defer f.Close()

	points, err := ReadSTL(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return NewSurface(points)
}

// ReadSTL parses STL data and returns the unique triangle vertices
func ReadSTL(r io.Reader) ([]Vec3, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var vertices []Vec3
	if isBinarySTL(data) {
		vertices, err = parseBinarySTL(data)
	} else {
		vertices, err = parseASCIISTL(data)
	}
	if err != nil {
		return nil, err
	}
	return dedupeVertices(vertices), nil
}

// isBinarySTL checks the header triangle count against the payload size.
// Some binary exporters write "solid" into the header, so the prefix alone is not enough.
func isBinarySTL(data []byte) bool {
	if len(data) < 84 {
		return false
	}
	n := binary.LittleEndian.Uint32(data[80:84])
	return uint64(len(data)) == 84+uint64(n)*50
}

func parseBinarySTL(data []byte) ([]Vec3, error) {
	n := int(binary.LittleEndian.Uint32(data[80:84]))
	vertices := make([]Vec3, 0, n*3)
	off := 84
	for i := 0; i < n; i++ {
		// skip the 12-byte normal
		base := off + 12
		for v := 0; v < 3; v++ {
			p := base + v*12
			vertices = append(vertices, Vec3{
				X: float64(math.Float32frombits(binary.LittleEndian.Uint32(data[p:]))),
				Y: float64(math.Float32frombits(binary.LittleEndian.Uint32(data[p+4:]))),
				Z: float64(math.Float32frombits(binary.LittleEndian.Uint32(data[p+8:]))),
			})
		}
		off += 50
	}
	return vertices, nil
}

func parseASCIISTL(data []byte) ([]Vec3, error) {
	if !bytes.HasPrefix(bytes.TrimSpace(data), []byte("solid")) {
		return nil, fmt.Errorf("not an STL file")
	}
	var vertices []Vec3
	scanner := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != "vertex" {
			continue
		}
		if len(fields) != 4 {
			return nil, fmt.Errorf("line %d: malformed vertex", line)
		}
		var xyz [3]float64
		for i := 0; i < 3; i++ {
			v, err := strconv.ParseFloat(fields[i+1], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			xyz[i] = v
		}
		vertices = append(vertices, Vec3{xyz[0], xyz[1], xyz[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return vertices, nil
}

func dedupeVertices(vertices []Vec3) []Vec3 {
	seen := make(map[Vec3]struct{}, len(vertices))
	out := make([]Vec3, 0, len(vertices))
	for _, v := range vertices {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// WriteBinarySTL writes triangles as a binary STL. Used for exporting
// collected point clouds and in tests.
func WriteBinarySTL(w io.Writer, triangles [][3]Vec3) error {
	header := make([]byte, 80)
	copy(header, "coregnav surface")
	if _, err := w.Write(header); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(triangles))); err != nil {
		return err
	}
	for _, tri := range triangles {
		normal := tri[1].Sub(tri[0]).Cross(tri[2].Sub(tri[0])).Normalize()
		rec := make([]float32, 0, 12)
		rec = append(rec, float32(normal.X), float32(normal.Y), float32(normal.Z))
		for _, v := range tri {
			rec = append(rec, float32(v.X), float32(v.Y), float32(v.Z))
		}
		if err := binary.Write(w, binary.LittleEndian, rec); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint16(0)); err != nil {
			return err
		}
	}
	return nil
}

package nav

import (
	"fmt"
	"log"
	"math"
	"sort"
)

// ICPConfig holds configuration for surface refinement.
// Distances are in image-space millimeters.
type ICPConfig struct {
	MaxIterations     int     // Maximum number of iterations
	ConvergenceThresh float64 // Stop when RMS improvement is below this (mm)
	MaxCorrespondDist float64 // Maximum distance for point correspondence (mm)
	OutlierPercentile float64 // Reject correspondences above this percentile (0-1)
	MinPoints         int     // Minimum collected points required
}

// DefaultICPConfig returns sensible defaults for scalp refinement
func DefaultICPConfig() ICPConfig {
	return ICPConfig{
		MaxIterations:     100,
		ConvergenceThresh: 1e-4,
		MaxCorrespondDist: 20.0, // probe tips further than 2cm from the scalp are not on it
		OutlierPercentile: 0.9,
		MinPoints:         5,
	}
}

// ICPConfigFromSettings overlays configured values on the defaults
func ICPConfigFromSettings(s ICPSettings) ICPConfig {
	cfg := DefaultICPConfig()
	if s.MaxIterations > 0 {
		cfg.MaxIterations = s.MaxIterations
	}
	if s.MaxCorrespondDist > 0 {
		cfg.MaxCorrespondDist = s.MaxCorrespondDist
	}
	return cfg
}

// ICPResult contains the result of a refinement run
type ICPResult struct {
	Transform      Matrix4 `json:"transform"`      // Correction applied after the change of basis
	InitialError   float64 `json:"initialError"`   // RMS distance before refinement (mm)
	Error          float64 `json:"error"`          // RMS distance after refinement (mm)
	InlierFraction float64 `json:"inlierFraction"` // Fraction of points within MaxCorrespondDist
	Iterations     int     `json:"iterations"`
	Converged      bool    `json:"converged"`
}

// RunICP refines the alignment of image-space points onto the surface.
// initial is the starting correction (identity for a fresh run).
func RunICP(points []Vec3, surface *Surface, initial Matrix4, config ICPConfig) (ICPResult, error) {
	if surface == nil {
		return ICPResult{}, fmt.Errorf("no surface loaded")
	}
	minPoints := config.MinPoints
	if minPoints < 3 {
		minPoints = 3
	}
	if len(points) < minPoints {
		return ICPResult{}, fmt.Errorf("have %d points, need %d: %w", len(points), minPoints, ErrNotEnoughPoints)
	}

	current := initial
	prevErr, inliers := surfaceError(TransformPoints(current, points), surface, config.MaxCorrespondDist)
	if inliers < 3 {
		return ICPResult{}, fmt.Errorf("%d of %d points within %.1fmm of the surface: %w",
			inliers, len(points), config.MaxCorrespondDist, ErrNotEnoughPoints)
	}
	result := ICPResult{
		Transform:      current,
		InitialError:   prevErr,
		Error:          prevErr,
		InlierFraction: float64(inliers) / float64(len(points)),
	}

	for iter := 0; iter < config.MaxIterations; iter++ {
		// Already on the surface
		if prevErr < config.ConvergenceThresh {
			result.Converged = true
			break
		}
		result.Iterations = iter + 1

		transformed := TransformPoints(current, points)

		srcCorr, tgtCorr, distances := findSurfaceCorrespondences(transformed, surface, config.MaxCorrespondDist)
		if len(srcCorr) < 3 {
			break
		}

		srcCorr, tgtCorr = rejectOutliers(srcCorr, tgtCorr, distances, config.OutlierPercentile)
		if len(srcCorr) < 3 {
			break
		}

		// Compose: new = incremental * current
		incremental := CalculateRigidTransform(srcCorr, tgtCorr)
		next := Multiply(incremental, current)

		newErr, newInliers := surfaceError(TransformPoints(next, points), surface, config.MaxCorrespondDist)
		if newInliers < 3 {
			log.Printf("[ICP] Lost surface contact at iteration %d, stopping", iter+1)
			break
		}

		// Severe divergence: keep the previous estimate. Changes below the
		// convergence threshold are rounding noise, not divergence.
		if newErr-prevErr > config.ConvergenceThresh && newErr > prevErr*1.5 {
			log.Printf("[ICP] Diverging at iteration %d (%.3fmm -> %.3fmm), stopping", iter+1, prevErr, newErr)
			break
		}

		improvement := prevErr - newErr
		current = next
		result.Transform = next
		result.Error = newErr
		result.InlierFraction = float64(newInliers) / float64(len(points))
		prevErr = newErr

		if math.Abs(improvement) < config.ConvergenceThresh || newErr < config.ConvergenceThresh {
			result.Converged = true
			break
		}
	}

	if !IsValidTransform(result.Transform) || math.IsNaN(result.Error) || math.IsInf(result.Error, 0) {
		return result, fmt.Errorf("ICP produced a non-finite result")
	}
	return result, nil
}

// surfaceError returns the RMS nearest-surface distance over inliers and the inlier count
func surfaceError(points []Vec3, surface *Surface, maxDist float64) (float64, int) {
	var sum float64
	inliers := 0
	for _, p := range points {
		_, d := surface.Nearest(p)
		if maxDist > 0 && d > maxDist {
			continue
		}
		sum += d * d
		inliers++
	}
	if inliers == 0 {
		return math.Inf(1), 0
	}
	return math.Sqrt(sum / float64(inliers)), inliers
}

// findSurfaceCorrespondences pairs each point with its nearest surface point
func findSurfaceCorrespondences(source []Vec3, surface *Surface, maxDist float64) (srcCorr, tgtCorr []Vec3, distances []float64) {
	for _, sp := range source {
		nearest, d := surface.Nearest(sp)
		if maxDist > 0 && d > maxDist {
			continue
		}
		srcCorr = append(srcCorr, sp)
		tgtCorr = append(tgtCorr, nearest)
		distances = append(distances, d)
	}
	return
}

// rejectOutliers removes correspondences with distances above the given percentile
func rejectOutliers(srcCorr, tgtCorr []Vec3, distances []float64, percentile float64) ([]Vec3, []Vec3) {
	if len(distances) == 0 || percentile <= 0 || percentile >= 1.0 {
		return srcCorr, tgtCorr
	}

	sortedDists := make([]float64, len(distances))
	copy(sortedDists, distances)
	sort.Float64s(sortedDists)

	idx := int(float64(len(sortedDists)) * percentile)
	if idx >= len(sortedDists) {
		idx = len(sortedDists) - 1
	}
	threshold := sortedDists[idx]

	var filteredSrc, filteredTgt []Vec3
	for i, d := range distances {
		if d <= threshold {
			filteredSrc = append(filteredSrc, srcCorr[i])
			filteredTgt = append(filteredTgt, tgtCorr[i])
		}
	}
	return filteredSrc, filteredTgt
}

// ValidateICP rejects corrections that are not rigid or move too far.
// A scalp refinement should never shift more than maxShift mm.
func ValidateICP(m Matrix4, maxShift float64) bool {
	if !IsValidTransform(m) || !IsRigid(m, 1e-6) {
		return false
	}
	return m.TranslationPart().Norm() <= maxShift
}

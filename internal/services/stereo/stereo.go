// Package stereo combines 2D LED maps taken from horizontally shifted
// vantage points into a relative depth estimate.
//
// Depth follows the pinhole stereo relation z = baseline / disparity, where
// disparity is the horizontal pixel shift of an LED between two passes. The
// result is relative: no lens calibration or rectification is applied.
package stereo

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/bbernstein/lacylights-ledmap/pkg/ledmap"
)

// ErrNotEnoughMaps is returned when fewer than two maps are supplied.
var ErrNotEnoughMaps = errors.New("at least two maps are required")

// Skip reasons reported by Result.
const (
	SkipMissing       = "missing"
	SkipZeroDisparity = "zero_disparity"
)

// Result is the output of Combine.
type Result struct {
	Positions []ledmap.StereoPosition `json:"positions"`
	// Skipped maps LED id to the reason no depth could be computed.
	Skipped map[int]string `json:"skipped,omitempty"`
}

// Combine estimates depth for every LED detected in at least two consecutive
// passes. Disparities are taken between consecutive maps; zero disparities
// are excluded from the average. X and Y are averaged over the first map of
// each contributing pair, which for two maps is simply the first map.
func Combine(maps []*ledmap.Map, baseline float64) (*Result, error) {
	if len(maps) < 2 {
		return nil, ErrNotEnoughMaps
	}
	if baseline <= 0 {
		return nil, fmt.Errorf("baseline must be positive, got %g", baseline)
	}
	for i, m := range maps {
		if m == nil {
			return nil, fmt.Errorf("map %d is nil", i)
		}
		if err := m.CheckIDs(); err != nil {
			return nil, fmt.Errorf("map %d: %w", i, err)
		}
	}

	ids := unionIDs(maps)
	res := &Result{Skipped: make(map[int]string)}

	for _, id := range ids {
		var sumDisp, sumX, sumY float64
		pairs, zero := 0, 0

		for i := 0; i+1 < len(maps); i++ {
			a, b := maps[i].Position(id), maps[i+1].Position(id)
			if a == nil || b == nil {
				continue
			}
			d := math.Abs(a.X - b.X)
			if d == 0 {
				zero++
				continue
			}
			sumDisp += d
			sumX += a.X
			sumY += a.Y
			pairs++
		}

		if pairs == 0 {
			if zero > 0 {
				res.Skipped[id] = SkipZeroDisparity
			} else {
				res.Skipped[id] = SkipMissing
			}
			continue
		}

		n := float64(pairs)
		res.Positions = append(res.Positions, ledmap.StereoPosition{
			ID: id,
			X:  sumX / n,
			Y:  sumY / n,
			Z:  baseline / (sumDisp / n),
		})
	}
	return res, nil
}

// Depth is Combine for the common two-pass case, returning only positions.
func Depth(left, right *ledmap.Map, baseline float64) ([]ledmap.StereoPosition, error) {
	res, err := Combine([]*ledmap.Map{left, right}, baseline)
	if err != nil {
		return nil, err
	}
	return res.Positions, nil
}

// unionIDs returns every LED id present in any map, ascending.
func unionIDs(maps []*ledmap.Map) []int {
	seen := make(map[int]struct{})
	for _, m := range maps {
		for _, r := range m.Records {
			seen[r.ID] = struct{}{}
		}
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

package rating

import (
	"math"
	"sort"

	"github.com/starling-fm/starling/models"
)

// BandConfig tunes the star-banding step.
type BandConfig struct {
	// CapTop4Pct bounds how many non-single tracks per album may hold 4
	// stars, as a fraction of the album's non-single track count.
	CapTop4Pct float64
	// ZScoreThreshold is the minimum album z-score a medium-confidence
	// single needs for promotion to 5 stars.
	ZScoreThreshold float64
}

// DefaultBandConfig returns the documented defaults.
func DefaultBandConfig() BandConfig {
	return BandConfig{CapTop4Pct: 0.25, ZScoreThreshold: 0.20}
}

// bandingScore is the popularity value banding runs on: global popularity for
// regular albums, the local score for compilations so back-catalog hits do
// not inflate the whole release.
func bandingScore(track *models.Track, isCompilation bool) *float64 {
	if isCompilation {
		return track.PopularityScore
	}
	if track.GlobalPopularity != nil {
		return track.GlobalPopularity
	}
	return track.PopularityScore
}

// Zscores computes robust per-track z-scores over one album and stores them
// on AlbumZScore. Tracks without a score keep a nil z-score. Runs before the
// single detector, which conditions on the z-score in advanced mode.
func Zscores(tracks []*models.Track, isCompilation bool) {
	var values []float64
	for _, track := range tracks {
		if s := bandingScore(track, isCompilation); s != nil {
			values = append(values, *s)
		}
	}
	if len(values) == 0 {
		for _, track := range tracks {
			track.AlbumZScore = nil
		}
		return
	}

	med := median(values)
	spread := mad(values, med)
	if spread == 0 {
		// A flat album divides by zero; fall back to the standard
		// deviation, floored at 1.
		spread = math.Max(1, stdev(values))
	}

	for _, track := range tracks {
		s := bandingScore(track, isCompilation)
		if s == nil {
			track.AlbumZScore = nil
			continue
		}
		z := (*s - med) / spread
		track.AlbumZScore = &z
	}
}

// AssignStars converts z-scores into 1-5 star ratings: threshold banding,
// the top-4 cap, then the single boost. Deterministic for identical inputs.
// Zscores must have run first.
func AssignStars(tracks []*models.Track, isCompilation bool, cfg BandConfig) {
	var scored []*models.Track
	for _, track := range tracks {
		if track.AlbumZScore == nil {
			// Unscored tracks sit in the middle of the album.
			stars := 3
			track.Stars = &stars
			continue
		}
		stars := bandFor(*track.AlbumZScore)
		track.Stars = &stars
		scored = append(scored, track)
	}

	applyTop4Cap(scored, cfg.CapTop4Pct)

	for _, track := range scored {
		if !track.IsSingle || track.SingleConfidence == nil {
			continue
		}
		switch *track.SingleConfidence {
		case models.ConfidenceHigh:
			five := 5
			track.Stars = &five
		case models.ConfidenceMedium:
			if !isCompilation && *track.AlbumZScore >= cfg.ZScoreThreshold {
				five := 5
				track.Stars = &five
			}
		}
	}
}

// bandFor maps a z-score onto the 1-4 star bands.
func bandFor(z float64) int {
	switch {
	case z < -1.0:
		return 1
	case z < -0.3:
		return 2
	case z < 0.6:
		return 3
	default:
		return 4
	}
}

// applyTop4Cap demotes surplus non-single 4-star tracks to 3 stars, keeping
// the best-ranked ones. Singles never count against the cap.
func applyTop4Cap(scored []*models.Track, capPct float64) {
	var nonSingle, fours []*models.Track
	for _, track := range scored {
		if track.IsSingle {
			continue
		}
		nonSingle = append(nonSingle, track)
		if track.Stars != nil && *track.Stars == 4 {
			fours = append(fours, track)
		}
	}

	allowed := int(math.Ceil(capPct * float64(len(nonSingle))))
	if len(fours) <= allowed {
		return
	}

	sort.SliceStable(fours, func(i, j int) bool { return rankBefore(fours[i], fours[j]) })
	for _, track := range fours[allowed:] {
		three := 3
		track.Stars = &three
	}
}

// rankBefore orders tracks for top selection and demotion: z descending, then
// track number ascending, then title.
func rankBefore(a, b *models.Track) bool {
	za, zb := *a.AlbumZScore, *b.AlbumZScore
	if za != zb {
		return za > zb
	}
	if a.TrackNumber != b.TrackNumber {
		return a.TrackNumber < b.TrackNumber
	}
	return a.Title < b.Title
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// mad is the median absolute deviation around med.
func mad(values []float64, med float64) float64 {
	deviations := make([]float64, len(values))
	for i, v := range values {
		deviations[i] = math.Abs(v - med)
	}
	return median(deviations)
}

func stdev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var sum float64
	for _, v := range values {
		sum += (v - mean) * (v - mean)
	}
	return math.Sqrt(sum / float64(len(values)))
}

package rating

import (
	"math"
	"strconv"
	"time"

	"github.com/starling-fm/starling/models"
	"github.com/starling-fm/starling/normalize"
)

// Weights is the fusion weight vector. Callers hand it in already summing to
// 1; the fuser renormalizes per track over the sources that are present.
type Weights struct {
	Spotify      float64
	LastFM       float64
	ListenBrainz float64
	Age          float64
}

// DefaultWeights is the documented default vector.
func DefaultWeights() Weights {
	return Weights{Spotify: 0.30, LastFM: 0.50, ListenBrainz: 0.0, Age: 0.20}
}

// initialCountCap seeds the adaptive log-normalization ceiling for playcount
// style sources. Observations above it raise the cap for the rest of the run.
const initialCountCap = 1e7

// ageHorizonYears is how long it takes the age factor to decay to zero.
const ageHorizonYears = 50.0

// Fuser folds per-provider signals into one popularity score per track. The
// count caps adapt across the whole run, so one Fuser serves all albums of a
// scan.
type Fuser struct {
	weights Weights

	maxPlaycount float64
	maxListens   float64

	now func() time.Time
}

func NewFuser(w Weights) *Fuser {
	return &Fuser{
		weights:      w,
		maxPlaycount: initialCountCap,
		maxListens:   initialCountCap,
		now:          time.Now,
	}
}

// FuseAlbum scores every track of the work unit. Caps are raised over the
// whole album before any track is scored, so track order within an album
// cannot change the result.
func (f *Fuser) FuseAlbum(unit *models.WorkUnit) {
	for _, track := range unit.Tracks {
		f.observe(unit.Signals[track.ID])
	}
	for _, track := range unit.Tracks {
		track.PopularityScore = f.Fuse(unit.Signals[track.ID], releaseYear(unit, track))
	}
}

// observe raises the adaptive caps from one track's raw counts.
func (f *Fuser) observe(sig *models.TrackSignals) {
	if sig == nil {
		return
	}
	if sig.LastFM != nil && float64(sig.LastFM.Playcount) > f.maxPlaycount {
		f.maxPlaycount = float64(sig.LastFM.Playcount)
	}
	if sig.ListenBrainz != nil && float64(sig.ListenBrainz.ListenCount) > f.maxListens {
		f.maxListens = float64(sig.ListenBrainz.ListenCount)
	}
}

// Fuse computes the weighted popularity score for one track, renormalizing
// the weights over the sources that are present. Nil means every source was
// missing; the track then falls to the banding default.
func (f *Fuser) Fuse(sig *models.TrackSignals, year *int) *float64 {
	var weightSum, total float64

	if sig != nil && sig.Spotify != nil {
		total += f.weights.Spotify * float64(sig.Spotify.Popularity)
		weightSum += f.weights.Spotify
	}
	if sig != nil && sig.LastFM != nil {
		total += f.weights.LastFM * logNorm(float64(sig.LastFM.Playcount), f.maxPlaycount)
		weightSum += f.weights.LastFM
	}
	if sig != nil && sig.ListenBrainz != nil {
		total += f.weights.ListenBrainz * logNorm(float64(sig.ListenBrainz.ListenCount), f.maxListens)
		weightSum += f.weights.ListenBrainz
	}
	if year != nil {
		total += f.weights.Age * f.ageFactor(*year)
		weightSum += f.weights.Age
	}

	if weightSum <= 0 {
		return nil
	}

	score := total / weightSum
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return &score
}

// logNorm maps a raw count onto 0-100 on a log scale against the running cap.
func logNorm(count, cap float64) float64 {
	if count <= 0 {
		return 0
	}
	if count > cap {
		count = cap
	}
	return 100 * math.Log10(1+count) / math.Log10(1+cap)
}

// ageFactor scores newer releases higher, decaying linearly to zero over the
// horizon.
func (f *Fuser) ageFactor(year int) float64 {
	years := float64(f.now().Year() - year)
	if years < 0 {
		years = 0
	}
	factor := 1 - years/ageHorizonYears
	if factor < 0 {
		factor = 0
	}
	return 100 * factor
}

// releaseYear picks the best-known release year for a track: the Spotify
// release date, then the MusicBrainz first release date, then the album year.
func releaseYear(unit *models.WorkUnit, track *models.Track) *int {
	sig := unit.Signals[track.ID]
	if sig != nil && sig.Spotify != nil {
		if y := yearOf(sig.Spotify.ReleaseDate); y != nil {
			return y
		}
	}
	if sig != nil && sig.MusicBrainz != nil {
		if y := yearOf(sig.MusicBrainz.FirstReleaseDate); y != nil {
			return y
		}
	}
	return unit.Album.ReleaseYear
}

// yearOf parses the year prefix of a partial date (YYYY, YYYY-MM, YYYY-MM-DD).
func yearOf(date string) *int {
	if len(date) < 4 {
		return nil
	}
	year, err := strconv.Atoi(date[:4])
	if err != nil || year < 1000 {
		return nil
	}
	return &year
}

// GlobalPopularity returns the maximum popularity across the track and every
// canonical alternate pressing of the same recording among the candidates.
// Versions are matched by ISRC, or by normalized base title plus duration
// within two seconds; titles carrying an alternate-version qualifier are
// excluded. Nil when the track itself is unscored.
func GlobalPopularity(track *models.Track, candidates []*models.Track, norm *normalize.Normalizer) *float64 {
	if track.PopularityScore == nil {
		return nil
	}
	best := *track.PopularityScore

	for _, other := range candidates {
		if other.ID == track.ID || other.PopularityScore == nil {
			continue
		}
		if norm.IsAlternate(other.Title) {
			continue
		}
		if !sameRecording(track, other, norm) {
			continue
		}
		if *other.PopularityScore > best {
			best = *other.PopularityScore
		}
	}
	return &best
}

func sameRecording(a, b *models.Track, norm *normalize.Normalizer) bool {
	if a.ISRC != nil && b.ISRC != nil && *a.ISRC == *b.ISRC {
		return true
	}

	baseA, _ := norm.BaseTitle(a.Title)
	baseB, _ := norm.BaseTitle(b.Title)
	if normalize.Key(baseA) != normalize.Key(baseB) {
		return false
	}
	if a.DurationSeconds == nil || b.DurationSeconds == nil {
		return false
	}
	diff := *a.DurationSeconds - *b.DurationSeconds
	return diff >= -2 && diff <= 2
}

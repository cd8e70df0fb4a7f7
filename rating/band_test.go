package rating

import (
	"testing"

	"github.com/starling-fm/starling/models"
)

func scoredTrack(id string, num int, score float64) *models.Track {
	return &models.Track{ID: id, Title: id, TrackNumber: num, PopularityScore: ptr(score)}
}

func stars(t *testing.T, track *models.Track) int {
	t.Helper()
	if track.Stars == nil {
		t.Fatalf("track %s has no stars", track.ID)
	}
	return *track.Stars
}

func TestZscoresMedianMAD(t *testing.T) {
	tracks := []*models.Track{
		scoredTrack("a", 1, 80),
		scoredTrack("b", 2, 50),
		scoredTrack("c", 3, 20),
	}

	Zscores(tracks, false)

	// median 50, MAD 30
	want := []float64{1, 0, -1}
	for i, track := range tracks {
		if track.AlbumZScore == nil || *track.AlbumZScore != want[i] {
			t.Errorf("track %s z = %v, want %v", track.ID, deref(track.AlbumZScore), want[i])
		}
	}
}

func TestZscoresFlatAlbumFallback(t *testing.T) {
	tracks := []*models.Track{
		scoredTrack("a", 1, 50),
		scoredTrack("b", 2, 50),
		scoredTrack("c", 3, 50),
	}

	Zscores(tracks, false)

	for _, track := range tracks {
		if track.AlbumZScore == nil || *track.AlbumZScore != 0 {
			t.Errorf("track %s z = %v, want 0", track.ID, deref(track.AlbumZScore))
		}
	}
}

func TestZscoresPrefersGlobalPopularity(t *testing.T) {
	a := scoredTrack("a", 1, 10)
	a.GlobalPopularity = ptr(90.0)
	b := scoredTrack("b", 2, 50)
	c := scoredTrack("c", 3, 20)

	Zscores([]*models.Track{a, b, c}, false)

	if *a.AlbumZScore <= *b.AlbumZScore {
		t.Errorf("global popularity should rank a above b: a=%v b=%v", *a.AlbumZScore, *b.AlbumZScore)
	}

	// Compilations band on the local score, ignoring the back catalog.
	Zscores([]*models.Track{a, b, c}, true)
	if *a.AlbumZScore >= *b.AlbumZScore {
		t.Errorf("compilation banding should use the local score: a=%v b=%v", *a.AlbumZScore, *b.AlbumZScore)
	}
}

func TestAssignStarsBands(t *testing.T) {
	tracks := []*models.Track{
		scoredTrack("a", 1, 80),
		scoredTrack("b", 2, 50),
		scoredTrack("c", 3, 20),
	}

	Zscores(tracks, false)
	AssignStars(tracks, false, DefaultBandConfig())

	want := []int{4, 3, 2}
	for i, track := range tracks {
		if got := stars(t, track); got != want[i] {
			t.Errorf("track %s stars = %d, want %d", track.ID, got, want[i])
		}
	}
}

func TestAssignStarsUnscoredDefaultsToThree(t *testing.T) {
	tracks := []*models.Track{
		{ID: "a", Title: "a", TrackNumber: 1},
	}
	Zscores(tracks, false)
	AssignStars(tracks, false, DefaultBandConfig())
	if got := stars(t, tracks[0]); got != 3 {
		t.Errorf("unscored track stars = %d, want 3", got)
	}
}

func TestTop4CapDemotesSurplus(t *testing.T) {
	tracks := []*models.Track{
		scoredTrack("a", 1, 100),
		scoredTrack("b", 2, 90),
		scoredTrack("c", 3, 10),
		scoredTrack("d", 4, 0),
	}

	Zscores(tracks, false)
	AssignStars(tracks, false, DefaultBandConfig())

	// Four non-single tracks allow ceil(0.25*4)=1 four-star slot; the
	// weaker of the two initial fours drops to 3.
	want := map[string]int{"a": 4, "b": 3, "c": 2, "d": 1}
	for _, track := range tracks {
		if got := stars(t, track); got != want[track.ID] {
			t.Errorf("track %s stars = %d, want %d", track.ID, got, want[track.ID])
		}
	}
}

func TestTop4CapTieBreaksOnTrackNumber(t *testing.T) {
	tracks := []*models.Track{
		scoredTrack("a", 1, 100),
		scoredTrack("b", 2, 100),
		scoredTrack("c", 3, 0),
		scoredTrack("d", 4, 0),
	}

	Zscores(tracks, false)
	AssignStars(tracks, false, DefaultBandConfig())

	if got := stars(t, tracks[0]); got != 4 {
		t.Errorf("track a stars = %d, want 4", got)
	}
	if got := stars(t, tracks[1]); got != 3 {
		t.Errorf("track b stars = %d, want 3 (demoted on tie)", got)
	}
}

func TestTop4CapIgnoresSingles(t *testing.T) {
	single := scoredTrack("a", 1, 100)
	single.IsSingle = true
	conf := models.ConfidenceHigh
	single.SingleConfidence = &conf

	tracks := []*models.Track{
		single,
		scoredTrack("b", 2, 100),
		scoredTrack("c", 3, 0),
		scoredTrack("d", 4, 0),
	}

	Zscores(tracks, false)
	AssignStars(tracks, false, DefaultBandConfig())

	// The single takes its boost and never counts against the cap, so b
	// keeps its 4.
	if got := stars(t, tracks[0]); got != 5 {
		t.Errorf("single stars = %d, want 5", got)
	}
	if got := stars(t, tracks[1]); got != 4 {
		t.Errorf("track b stars = %d, want 4", got)
	}
}

func TestSingleBoost(t *testing.T) {
	high := models.ConfidenceHigh
	medium := models.ConfidenceMedium

	tests := []struct {
		name          string
		confidence    models.Confidence
		score         float64
		isCompilation bool
		want          int
	}{
		{"high confidence always five", high, 20, false, 5},
		{"medium above threshold five", medium, 80, false, 5},
		{"medium below threshold keeps band", medium, 20, false, 2},
		{"medium on compilation keeps band", medium, 80, true, 4},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			subject := scoredTrack("s", 1, tc.score)
			subject.IsSingle = true
			conf := tc.confidence
			subject.SingleConfidence = &conf

			tracks := []*models.Track{
				subject,
				scoredTrack("b", 2, 50),
				scoredTrack("c", 3, 50),
				scoredTrack("d", 4, 20),
			}

			Zscores(tracks, tc.isCompilation)
			AssignStars(tracks, tc.isCompilation, DefaultBandConfig())

			if got := stars(t, subject); got != tc.want {
				t.Errorf("stars = %d, want %d", got, tc.want)
			}
		})
	}
}

package musicbrainz

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/starling-fm/starling/provider"
)

func newTestService(baseURL string) *Service {
	return &Service{
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		gate:        provider.NewGate(providerName, 1000, 1),
		retry:       provider.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond},
		searchCache: make(map[string]cacheEntry),
		cacheTTL:    time.Hour,
		baseURL:     baseURL,
		logger:      log.New(io.Discard, "", 0),
	}
}

const searchBody = `{
	"created": "2025-01-01T00:00:00.000Z",
	"count": 2,
	"offset": 0,
	"recordings": [
		{
			"id": "rec-1",
			"score": 100,
			"title": "Black Dog",
			"length": 296000,
			"isrcs": ["GBAAA7100023"],
			"artist-credit": [{"name": "Led Zeppelin", "artist": {"id": "artist-1", "name": "Led Zeppelin"}}],
			"releases": [
				{
					"id": "rel-1",
					"title": "Led Zeppelin IV",
					"status": "Official",
					"date": "1971-11-08",
					"country": "US",
					"release-group": {"id": "rg-1", "title": "Led Zeppelin IV", "primary-type": "Album", "first-release-date": "1971-11-08"}
				},
				{
					"id": "rel-2",
					"title": "Black Dog",
					"status": "Official",
					"date": "1971-12-02",
					"country": "US",
					"release-group": {"id": "rg-2", "title": "Black Dog", "primary-type": "Single", "first-release-date": "1971-12-02"}
				}
			]
		},
		{"id": "rec-2", "score": 60, "title": "Black Dog (live)", "length": 312000}
	]
}`

func TestBuildSearchQuery(t *testing.T) {
	testCases := []struct {
		name   string
		params SearchParams
		want   string
	}{
		{
			name:   "isrc only",
			params: SearchParams{ISRC: "GBAAA7100023"},
			want:   `isrc:"GBAAA7100023"`,
		},
		{
			name:   "track and artist",
			params: SearchParams{Track: "Black Dog", Artist: "Led Zeppelin"},
			want:   `recording:"Black Dog" AND artist:"Led Zeppelin"`,
		},
		{
			name:   "all fields",
			params: SearchParams{Track: "Black Dog", Artist: "Led Zeppelin", ISRC: "GBAAA7100023"},
			want:   `isrc:"GBAAA7100023" AND recording:"Black Dog" AND artist:"Led Zeppelin"`,
		},
		{
			name:   "quotes escaped",
			params: SearchParams{Track: `The "Chicken"`},
			want:   `recording:"The \"Chicken\""`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := buildSearchQuery(tc.params)
			if got != tc.want {
				t.Errorf("Expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestSearchRecording(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if ua := r.Header.Get("User-Agent"); ua != userAgent {
			t.Errorf("Expected User-Agent %q, got %q", userAgent, ua)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(searchBody))
	}))
	defer server.Close()

	svc := newTestService(server.URL)
	params := SearchParams{Track: "Black Dog", Artist: "Led Zeppelin"}

	recordings, err := svc.SearchRecording(context.Background(), params)
	if err != nil {
		t.Fatalf("SearchRecording failed: %v", err)
	}
	if len(recordings) != 2 {
		t.Fatalf("Expected 2 recordings, got %d", len(recordings))
	}
	if recordings[0].ID != "rec-1" {
		t.Errorf("Expected rec-1 first, got %s", recordings[0].ID)
	}
	if recordings[0].Score != 100 {
		t.Errorf("Expected score 100, got %d", recordings[0].Score)
	}
	if len(recordings[0].Releases) != 2 {
		t.Fatalf("Expected 2 releases, got %d", len(recordings[0].Releases))
	}
	if recordings[0].Releases[1].ReleaseGroup.PrimaryType != "Single" {
		t.Errorf("Expected Single release group, got %s", recordings[0].Releases[1].ReleaseGroup.PrimaryType)
	}

	// Second identical search must hit the in-memory cache.
	if _, err := svc.SearchRecording(context.Background(), params); err != nil {
		t.Fatalf("Cached SearchRecording failed: %v", err)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("Expected 1 HTTP request after cache hit, got %d", got)
	}
}

func TestSearchRecordingNoParams(t *testing.T) {
	svc := newTestService("http://localhost:0")
	if _, err := svc.SearchRecording(context.Background(), SearchParams{}); err == nil {
		t.Error("Expected error when all search parameters are empty")
	}
}

func TestSearchRecordingRetriesServerError(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(searchBody))
	}))
	defer server.Close()

	svc := newTestService(server.URL)
	recordings, err := svc.SearchRecording(context.Background(), SearchParams{Track: "Black Dog"})
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if len(recordings) != 2 {
		t.Errorf("Expected 2 recordings, got %d", len(recordings))
	}
	if got := requests.Load(); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
}

func TestLookupRecording(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/recording/rec-1" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "rec-1", "title": "Black Dog", "length": 296000}`))
	}))
	defer server.Close()

	svc := newTestService(server.URL)
	rec, err := svc.LookupRecording(context.Background(), "rec-1")
	if err != nil {
		t.Fatalf("LookupRecording failed: %v", err)
	}
	if rec.Title != "Black Dog" {
		t.Errorf("Expected title 'Black Dog', got %q", rec.Title)
	}
}

func TestLookupRecordingNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	svc := newTestService(server.URL)
	_, err := svc.LookupRecording(context.Background(), "nope")
	if err == nil {
		t.Fatal("Expected an error for unknown MBID")
	}
	if !provider.IsNotFound(err) {
		t.Errorf("Expected not_found, got %v", err)
	}
}

func sampleRecording() *Recording {
	return &Recording{
		ID:    "rec-1",
		Title: "Black Dog",
		Releases: []Release{
			{
				ID: "rel-1", Title: "Led Zeppelin IV", Date: "1971-11-08",
				ReleaseGroup: &ReleaseGroup{ID: "rg-1", PrimaryType: "Album", FirstReleaseDate: "1971-11-08"},
			},
			{
				ID: "rel-2", Title: "Black Dog", Date: "1971-12-02",
				ReleaseGroup: &ReleaseGroup{ID: "rg-2", PrimaryType: "Single", FirstReleaseDate: "1971-12-02"},
			},
		},
	}
}

func TestEarliestReleaseGroup(t *testing.T) {
	rg := EarliestReleaseGroup(sampleRecording())
	if rg == nil {
		t.Fatal("Expected a release group")
	}
	if rg.ID != "rg-1" {
		t.Errorf("Expected the 1971-11-08 group first, got %s", rg.ID)
	}

	if EarliestReleaseGroup(nil) != nil {
		t.Error("Expected nil for nil recording")
	}
	if EarliestReleaseGroup(&Recording{}) != nil {
		t.Error("Expected nil for recording without releases")
	}
}

func TestReleasedAsSingle(t *testing.T) {
	if !ReleasedAsSingle(sampleRecording()) {
		t.Error("Expected recording with a Single release group to report true")
	}

	albumOnly := &Recording{Releases: []Release{
		{ReleaseGroup: &ReleaseGroup{PrimaryType: "Album"}},
	}}
	if ReleasedAsSingle(albumOnly) {
		t.Error("Expected album-only recording to report false")
	}
}

func TestSignals(t *testing.T) {
	sig := Signals(sampleRecording())
	if sig == nil {
		t.Fatal("Expected signals")
	}
	if sig.RecordingID != "rec-1" {
		t.Errorf("Expected rec-1, got %s", sig.RecordingID)
	}
	if sig.PrimaryType != "Album" {
		t.Errorf("Expected earliest group type Album, got %s", sig.PrimaryType)
	}
	if !sig.ReleasedAsSingle {
		t.Error("Expected ReleasedAsSingle true")
	}
	if sig.FirstReleaseDate != "1971-11-08" {
		t.Errorf("Expected 1971-11-08, got %s", sig.FirstReleaseDate)
	}
}

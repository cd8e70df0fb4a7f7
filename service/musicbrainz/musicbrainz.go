package musicbrainz

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/starling-fm/starling/models"
	"github.com/starling-fm/starling/provider"
)

const (
	mbAPIBaseURL = "https://musicbrainz.org/ws/2"
	providerName = "musicbrainz"
	userAgent    = "starling/0.1 ( https://github.com/starling-fm/starling )"
)

// ArtistCredit API Types
type ArtistCredit struct {
	Artist struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		SortName string `json:"sort-name,omitempty"`
	} `json:"artist"`
	Joinphrase string `json:"joinphrase,omitempty"`
	Name       string `json:"name"`
}

type ReleaseGroup struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	PrimaryType      string   `json:"primary-type,omitempty"`
	SecondaryTypes   []string `json:"secondary-types,omitempty"`
	FirstReleaseDate string   `json:"first-release-date,omitempty"`
}

type Release struct {
	ID             string        `json:"id"`
	Title          string        `json:"title"`
	Status         string        `json:"status,omitempty"`
	Date           string        `json:"date,omitempty"` // YYYY-MM-DD, YYYY-MM, or YYYY
	Country        string        `json:"country,omitempty"`
	Disambiguation string        `json:"disambiguation,omitempty"`
	TrackCount     int           `json:"track-count,omitempty"`
	ReleaseGroup   *ReleaseGroup `json:"release-group,omitempty"`
}

type Recording struct {
	ID           string         `json:"id"`
	Score        int            `json:"score,omitempty"` // search relevance, 0-100
	Title        string         `json:"title"`
	Length       int            `json:"length,omitempty"` // milliseconds
	ISRCs        []string       `json:"isrcs,omitempty"`
	ArtistCredit []ArtistCredit `json:"artist-credit,omitempty"`
	Releases     []Release      `json:"releases,omitempty"`
}

type SearchResponse struct {
	Created    time.Time   `json:"created"`
	Count      int         `json:"count"`
	Offset     int         `json:"offset"`
	Recordings []Recording `json:"recordings"`
}

type SearchParams struct {
	Track  string
	Artist string
	ISRC   string
}

// cacheEntry holds the cached data and its expiration time.
type cacheEntry struct {
	recordings []Recording
	expiresAt  time.Time
}

type Service struct {
	httpClient  *http.Client
	gate        *provider.Gate
	retry       provider.RetryConfig
	searchCache map[string]cacheEntry // In-memory cache for search results
	cacheMutex  sync.RWMutex          // Mutex to protect the cache
	cacheTTL    time.Duration         // Time-to-live for cache entries
	baseURL     string
	logger      *log.Logger
}

// NewService creates a service instance with rate limiting and caching.
func NewService() *Service {
	// MusicBrainz allows 1 request per second, enforced server-side
	gate := provider.NewGate(providerName, 1, 1)
	logger := log.New(os.Stdout, "musicbrainz: ", log.LstdFlags|log.Lmsgprefix)
	return &Service{
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		gate: gate,
		// musicbrainz.org drops connections mid-body under load; retry
		// transient failures at 1s, 2s, 4s before giving up
		retry:       provider.RetryConfig{MaxAttempts: 4, InitialDelay: time.Second, MaxDelay: 4 * time.Second},
		searchCache: make(map[string]cacheEntry),
		cacheTTL:    1 * time.Hour,
		baseURL:     mbAPIBaseURL,
		logger:      logger,
	}
}

// Gate exposes the rate gate so the coordinator can report request counts.
func (s *Service) Gate() *provider.Gate { return s.gate }

func generateCacheKey(params SearchParams) string {
	return fmt.Sprintf("track=%s&artist=%s&isrc=%s",
		url.QueryEscape(params.Track),
		url.QueryEscape(params.Artist),
		url.QueryEscape(params.ISRC))
}

// luceneEscape keeps user-supplied titles from breaking out of the quoted
// Lucene term.
func luceneEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func buildSearchQuery(params SearchParams) string {
	var queryParts []string
	if params.ISRC != "" {
		queryParts = append(queryParts, fmt.Sprintf(`isrc:"%s"`, luceneEscape(params.ISRC)))
	}
	if params.Track != "" {
		queryParts = append(queryParts, fmt.Sprintf(`recording:"%s"`, luceneEscape(params.Track)))
	}
	if params.Artist != "" {
		queryParts = append(queryParts, fmt.Sprintf(`artist:"%s"`, luceneEscape(params.Artist)))
	}
	return strings.Join(queryParts, " AND ")
}

func (s *Service) buildSearchEndpoint(query string) string {
	return fmt.Sprintf("%s/recording?query=%s&fmt=json&inc=artist-credits+releases+release-groups+isrcs&limit=10",
		s.baseURL, url.QueryEscape(query))
}

func (s *Service) buildLookupEndpoint(mbid string) string {
	return fmt.Sprintf("%s/recording/%s?fmt=json&inc=artist-credits+releases+release-groups+isrcs",
		s.baseURL, url.PathEscape(mbid))
}

func getCacheEntry(cache map[string]cacheEntry, cacheKey string) ([]Recording, bool) {
	entry, found := cache[cacheKey]
	now := time.Now().UTC()
	if found && now.Before(entry.expiresAt) {
		return entry.recordings, true
	}
	return nil, false
}

func setCacheEntry(cache map[string]cacheEntry, cacheKey string, recordings []Recording, ttl time.Duration) {
	cache[cacheKey] = cacheEntry{
		recordings: recordings,
		expiresAt:  time.Now().UTC().Add(ttl),
	}
}

// SearchRecording runs a Lucene recording search. Results come back in
// server relevance order; an empty slice means no match, not an error.
func (s *Service) SearchRecording(ctx context.Context, params SearchParams) ([]Recording, error) {
	if params.Track == "" && params.Artist == "" && params.ISRC == "" {
		return nil, fmt.Errorf("at least one search parameter (Track, Artist, ISRC) must be provided")
	}

	cacheKey := generateCacheKey(params)

	s.cacheMutex.RLock()
	if recordings, found := getCacheEntry(s.searchCache, cacheKey); found {
		s.cacheMutex.RUnlock()
		return recordings, nil
	}
	s.cacheMutex.RUnlock()

	query := buildSearchQuery(params)
	endpoint := s.buildSearchEndpoint(query)

	var result SearchResponse
	if err := s.doGet(ctx, endpoint, &result); err != nil {
		return nil, err
	}

	s.cacheMutex.Lock()
	setCacheEntry(s.searchCache, cacheKey, result.Recordings, s.cacheTTL)
	s.cacheMutex.Unlock()
	s.logger.Printf("Recording search %q / %q returned %d results", params.Artist, params.Track, len(result.Recordings))

	return result.Recordings, nil
}

// LookupRecording fetches one recording by MBID with its releases and
// release groups attached.
func (s *Service) LookupRecording(ctx context.Context, mbid string) (*Recording, error) {
	if mbid == "" {
		return nil, fmt.Errorf("mbid must be provided")
	}

	var rec Recording
	if err := s.doGet(ctx, s.buildLookupEndpoint(mbid), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Service) doGet(ctx context.Context, endpoint string, out any) error {
	return provider.Do(ctx, s.gate, s.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return provider.WrapTransport(providerName, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return provider.FromResponse(providerName, resp)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return provider.Malformed(providerName, err)
		}
		return nil
	})
}

// EarliestReleaseGroup returns the release group with the earliest first
// release date among the recording's releases. Releases without a group fall
// back to their own date for ordering.
func EarliestReleaseGroup(rec *Recording) *ReleaseGroup {
	if rec == nil {
		return nil
	}
	var best *ReleaseGroup
	bestDate := ""
	for i := range rec.Releases {
		rg := rec.Releases[i].ReleaseGroup
		if rg == nil {
			continue
		}
		date := rg.FirstReleaseDate
		if date == "" {
			date = rec.Releases[i].Date
		}
		if best == nil || earlier(date, bestDate) {
			best = rg
			bestDate = date
		}
	}
	return best
}

// earlier compares two MusicBrainz partial dates (YYYY, YYYY-MM, or
// YYYY-MM-DD). Empty dates sort last.
func earlier(a, b string) bool {
	if a == "" {
		return false
	}
	if b == "" {
		return true
	}
	return a < b
}

// ReleasedAsSingle reports whether any release of the recording belongs to a
// release group typed Single.
func ReleasedAsSingle(rec *Recording) bool {
	if rec == nil {
		return false
	}
	for i := range rec.Releases {
		rg := rec.Releases[i].ReleaseGroup
		if rg != nil && rg.PrimaryType == "Single" {
			return true
		}
	}
	return false
}

// FirstReleaseDate returns the earliest date attached to the recording,
// preferring release-group first release dates over individual releases.
func FirstReleaseDate(rec *Recording) string {
	if rec == nil {
		return ""
	}
	best := ""
	for i := range rec.Releases {
		date := rec.Releases[i].Date
		if rg := rec.Releases[i].ReleaseGroup; rg != nil && rg.FirstReleaseDate != "" {
			date = rg.FirstReleaseDate
		}
		if date != "" && (best == "" || date < best) {
			best = date
		}
	}
	return best
}

// Signals condenses a recording into the per-track signal record.
func Signals(rec *Recording) *models.MusicBrainzSignals {
	if rec == nil {
		return nil
	}
	sig := &models.MusicBrainzSignals{
		RecordingID:      rec.ID,
		FirstReleaseDate: FirstReleaseDate(rec),
		ReleasedAsSingle: ReleasedAsSingle(rec),
	}
	if rg := EarliestReleaseGroup(rec); rg != nil {
		sig.PrimaryType = rg.PrimaryType
		sig.SecondaryTypes = rg.SecondaryTypes
	}
	return sig
}

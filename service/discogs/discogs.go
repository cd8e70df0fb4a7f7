package discogs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/starling-fm/starling/models"
	"github.com/starling-fm/starling/provider"
)

const (
	discogsAPIBaseURL = "https://api.discogs.com"
	providerName      = "discogs"
	userAgent         = "starling/0.1 ( https://github.com/starling-fm/starling )"

	// searchPageSize keeps release searches to one page; the first page is
	// always the best-scored matches and paging past it never helps.
	searchPageSize = 25
)

// SearchResult is one row of a database search. Year and Format arrive in
// the loose shapes the search endpoint uses: year as a string, format as a
// flat list of descriptors such as ["Vinyl", "7\"", "Single"].
type SearchResult struct {
	ID     int64    `json:"id"`
	Title  string   `json:"title"`
	Year   string   `json:"year,omitempty"`
	Format []string `json:"format,omitempty"`
	Type   string   `json:"type"`
}

type searchResponse struct {
	Results []SearchResult `json:"results"`
}

// Format is one format entry on a full release, with its qualifying
// descriptions ("LP", "Single", "45 RPM", ...).
type Format struct {
	Name         string   `json:"name"`
	Qty          string   `json:"qty,omitempty"`
	Descriptions []string `json:"descriptions,omitempty"`
}

// Video is one video attached to a full release.
type Video struct {
	URI         string `json:"uri"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Release is the slice of a full Discogs release the scanner cares about.
type Release struct {
	ID      int64    `json:"id"`
	Title   string   `json:"title"`
	Year    int      `json:"year,omitempty"`
	Formats []Format `json:"formats,omitempty"`
	Videos  []Video  `json:"videos,omitempty"`
}

// SearchParams narrows a release search. Artist plus ReleaseTitle is the
// common case; Format restricts matches to a pressing type such as "Single".
type SearchParams struct {
	Artist       string
	ReleaseTitle string
	Format       string
}

type Service struct {
	httpClient *http.Client
	gate       *provider.Gate
	retry      provider.RetryConfig
	token      string
	baseURL    string
}

// NewService builds a Discogs client. A personal access token is required
// for database searches; release lookups work without one at a reduced rate
// allowance.
func NewService(token string) *Service {
	return &Service{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Discogs allows 60 authenticated requests per minute.
		gate:    provider.NewGate(providerName, 1, 1),
		retry:   provider.DefaultRetry(),
		token:   token,
		baseURL: discogsAPIBaseURL,
	}
}

// Gate exposes the request gate for shared scheduling and stats.
func (s *Service) Gate() *provider.Gate {
	return s.gate
}

// SearchReleases runs a database search scoped to releases. At least one of
// Artist and ReleaseTitle must be set.
func (s *Service) SearchReleases(ctx context.Context, params SearchParams) ([]SearchResult, error) {
	if params.Artist == "" && params.ReleaseTitle == "" {
		return nil, errors.New("at least one of artist and release title is required")
	}
	if s.token == "" {
		return nil, &provider.Error{
			Provider: providerName,
			Kind:     provider.KindUnauthorized,
			Err:      errors.New("database search requires a personal access token"),
		}
	}

	query := url.Values{}
	query.Set("type", "release")
	query.Set("per_page", strconv.Itoa(searchPageSize))
	if params.Artist != "" {
		query.Set("artist", params.Artist)
	}
	if params.ReleaseTitle != "" {
		query.Set("release_title", params.ReleaseTitle)
	}
	if params.Format != "" {
		query.Set("format", params.Format)
	}

	var response searchResponse
	endpoint := fmt.Sprintf("%s/database/search?%s", s.baseURL, query.Encode())
	if err := s.doGet(ctx, endpoint, &response); err != nil {
		return nil, err
	}
	return response.Results, nil
}

// GetRelease fetches one release by its Discogs ID.
func (s *Service) GetRelease(ctx context.Context, id int64) (*Release, error) {
	if id <= 0 {
		return nil, errors.New("release id is required")
	}

	var release Release
	endpoint := fmt.Sprintf("%s/releases/%d", s.baseURL, id)
	if err := s.doGet(ctx, endpoint, &release); err != nil {
		return nil, err
	}
	return &release, nil
}

func (s *Service) doGet(ctx context.Context, endpoint string, out any) error {
	return provider.Do(ctx, s.gate, s.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/json")
		if s.token != "" {
			req.Header.Set("Authorization", "Discogs token="+s.token)
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return provider.WrapTransport(providerName, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return provider.FromResponse(providerName, resp)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return provider.WrapTransport(providerName, err)
		}
		if err := json.Unmarshal(body, out); err != nil {
			return provider.Malformed(providerName, err)
		}
		return nil
	})
}

// IsSingleFormat reports whether any format entry marks the release as a
// single pressing.
func IsSingleFormat(rel *Release) bool {
	for _, f := range rel.Formats {
		for _, d := range f.Descriptions {
			if d == "Single" {
				return true
			}
		}
	}
	return false
}

// Signals flattens a release into the per-track signal record.
func Signals(rel *Release) *models.DiscogsSignals {
	if rel == nil {
		return nil
	}
	sig := &models.DiscogsSignals{ReleaseID: rel.ID}
	for _, f := range rel.Formats {
		sig.Formats = append(sig.Formats, models.ReleaseFormat{
			Name:         f.Name,
			Descriptions: f.Descriptions,
		})
	}
	for _, v := range rel.Videos {
		sig.Videos = append(sig.Videos, models.ReleaseVideo{
			Title:       v.Title,
			Description: v.Description,
		})
	}
	return sig
}

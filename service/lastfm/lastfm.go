package lastfm

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/starling-fm/starling/models"
	"github.com/starling-fm/starling/provider"
)

const (
	lastfmAPIBaseURL = "https://ws.audioscrobbler.com/2.0/"
	providerName     = "lastfm"
	maxTopTags       = 10
)

// Last.fm application error codes worth distinguishing. Everything else maps
// to unknown.
const (
	errInvalidParams = 6 // also returned for unknown artist/track pairs
	errOperationFail = 8
	errInvalidAPIKey = 10
	errServiceOffln  = 11
	errTempUnavail   = 16
	errSuspendedKey  = 26
	errRateLimited   = 29
)

type Service struct {
	httpClient *http.Client
	gate       *provider.Gate
	retry      provider.RetryConfig
	apiKey     string
	baseURL    string
}

func NewService(apiKey string) *Service {
	return &Service{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		// Last.fm unofficial rate limit is ~5 requests per second
		gate:    provider.NewGate(providerName, 5, 1),
		retry:   provider.DefaultRetry(),
		apiKey:  apiKey,
		baseURL: lastfmAPIBaseURL,
	}
}

// Gate exposes the rate gate so the coordinator can report request counts.
func (l *Service) Gate() *provider.Gate { return l.gate }

// TrackInfo fetches listener and playcount figures plus top tags for one
// track. Returns a not-found provider error when Last.fm has never heard of
// the artist/title pair.
func (l *Service) TrackInfo(ctx context.Context, artist, title string) (*models.LastFMSignals, error) {
	if artist == "" || title == "" {
		return nil, fmt.Errorf("artist and title are required")
	}

	params := url.Values{}
	params.Set("method", "track.getInfo")
	params.Set("artist", artist)
	params.Set("track", title)
	params.Set("autocorrect", "1")

	var info trackInfoResponse
	if err := l.call(ctx, params, &info); err != nil {
		return nil, err
	}
	if info.Track == nil {
		return nil, provider.NotFound(providerName)
	}

	signals := &models.LastFMSignals{
		Listeners: int64(info.Track.Listeners),
		Playcount: int64(info.Track.Playcount),
	}
	for i, tag := range info.Track.TopTags.Tags {
		if i == maxTopTags {
			break
		}
		signals.TopTags = append(signals.TopTags, strings.ToLower(tag.Name))
	}
	return signals, nil
}

// ArtistTopTags fetches the crowd-sourced genre tags for an artist.
func (l *Service) ArtistTopTags(ctx context.Context, artist string) ([]string, error) {
	if artist == "" {
		return nil, fmt.Errorf("artist is required")
	}

	params := url.Values{}
	params.Set("method", "artist.getTopTags")
	params.Set("artist", artist)
	params.Set("autocorrect", "1")

	var resp topTagsResponse
	if err := l.call(ctx, params, &resp); err != nil {
		return nil, err
	}

	tags := make([]string, 0, maxTopTags)
	for i, tag := range resp.TopTags.Tags {
		if i == maxTopTags {
			break
		}
		tags = append(tags, strings.ToLower(tag.Name))
	}
	return tags, nil
}

// call runs one API method through the rate gate and retry policy, decoding
// the response into out.
func (l *Service) call(ctx context.Context, params url.Values, out any) error {
	params.Set("api_key", l.apiKey)
	params.Set("format", "json")
	apiURL := l.baseURL + "?" + params.Encode()

	return provider.Do(ctx, l.gate, l.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := l.httpClient.Do(req)
		if err != nil {
			return provider.WrapTransport(providerName, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return provider.WrapTransport(providerName, err)
		}

		// Decode the application error envelope first: Last.fm reports
		// failures inside 200 bodies as well as via status codes.
		apiErr, err := decodeEnvelope(body, out)
		if apiErr != nil {
			return classify(apiErr, resp)
		}
		if err != nil {
			if resp.StatusCode != http.StatusOK {
				return provider.FromResponse(providerName, resp)
			}
			return provider.Malformed(providerName, err)
		}
		if resp.StatusCode != http.StatusOK {
			return provider.FromResponse(providerName, resp)
		}
		return nil
	})
}

// classify maps a Last.fm application error code onto the provider error
// taxonomy.
func classify(apiErr *apiError, resp *http.Response) *provider.Error {
	e := &provider.Error{
		Provider: providerName,
		Status:   resp.StatusCode,
		Err:      fmt.Errorf("last.fm error %d: %s", apiErr.Error, apiErr.Message),
	}
	switch apiErr.Error {
	case errInvalidParams:
		e.Kind = provider.KindNotFound
	case errInvalidAPIKey, errSuspendedKey:
		e.Kind = provider.KindUnauthorized
	case errRateLimited:
		e.Kind = provider.KindRateLimited
	case errOperationFail, errServiceOffln, errTempUnavail:
		e.Kind = provider.KindNetwork
	default:
		e.Kind = provider.KindUnknown
	}
	if e.Kind == provider.KindUnknown {
		log.Printf("Unmapped last.fm error code %d: %s", apiErr.Error, apiErr.Message)
	}
	return e
}

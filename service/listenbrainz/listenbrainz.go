package listenbrainz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/starling-fm/starling/models"
	"github.com/starling-fm/starling/provider"
)

const (
	lbAPIBaseURL = "https://api.listenbrainz.org"
	providerName = "listenbrainz"

	// maxMBIDsPerCall keeps popularity request bodies small; the endpoint
	// accepts more but answers are paged awkwardly past this.
	maxMBIDsPerCall = 100
)

// popularityRequest is the body of POST /1/popularity/recording.
type popularityRequest struct {
	RecordingMBIDs []string `json:"recording_mbids"`
}

// popularityEntry is one element of the response array. Counts are null when
// ListenBrainz has never seen a listen for the recording.
type popularityEntry struct {
	RecordingMBID    string `json:"recording_mbid"`
	TotalListenCount *int64 `json:"total_listen_count"`
	TotalUserCount   *int64 `json:"total_user_count"`
}

type Service struct {
	httpClient *http.Client
	gate       *provider.Gate
	retry      provider.RetryConfig
	token      string
	baseURL    string
}

// NewService builds the client. The token is optional; popularity lookups
// work anonymously but get a larger rate allowance when authenticated.
func NewService(token string) *Service {
	return &Service{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		// ListenBrainz allows ~10 requests per second per client
		gate:    provider.NewGate(providerName, 10, 1),
		retry:   provider.DefaultRetry(),
		token:   token,
		baseURL: lbAPIBaseURL,
	}
}

// Gate exposes the rate gate so the coordinator can report request counts.
func (l *Service) Gate() *provider.Gate { return l.gate }

// RecordingPopularity fetches global listen and listener counts for a batch
// of recording MBIDs. Recordings ListenBrainz has no data for are absent
// from the result map.
func (l *Service) RecordingPopularity(ctx context.Context, mbids []string) (map[string]*models.ListenBrainzSignals, error) {
	out := make(map[string]*models.ListenBrainzSignals, len(mbids))
	if len(mbids) == 0 {
		return out, nil
	}

	for start := 0; start < len(mbids); start += maxMBIDsPerCall {
		end := start + maxMBIDsPerCall
		if end > len(mbids) {
			end = len(mbids)
		}

		entries, err := l.popularity(ctx, mbids[start:end])
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.TotalListenCount == nil && e.TotalUserCount == nil {
				continue
			}
			sig := &models.ListenBrainzSignals{}
			if e.TotalListenCount != nil {
				sig.ListenCount = *e.TotalListenCount
			}
			if e.TotalUserCount != nil {
				sig.UserCount = *e.TotalUserCount
			}
			out[e.RecordingMBID] = sig
		}
	}
	return out, nil
}

func (l *Service) popularity(ctx context.Context, mbids []string) ([]popularityEntry, error) {
	body, err := json.Marshal(popularityRequest{RecordingMBIDs: mbids})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var entries []popularityEntry
	err = provider.Do(ctx, l.gate, l.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/1/popularity/recording", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if l.token != "" {
			req.Header.Set("Authorization", "Token "+l.token)
		}

		resp, err := l.httpClient.Do(req)
		if err != nil {
			return provider.WrapTransport(providerName, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return provider.FromResponse(providerName, resp)
		}

		entries = entries[:0]
		if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
			return provider.Malformed(providerName, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

package scanner

import (
	"fmt"
	"sort"
	"strings"
)

// Stats aggregates one scan pass.
type Stats struct {
	AlbumsOK      int `json:"albums_ok"`
	AlbumsPartial int `json:"albums_partial"`
	AlbumsFailed  int `json:"albums_failed"`
	AlbumsSkipped int `json:"albums_skipped"`

	TracksScanned   int `json:"tracks_scanned"`
	SinglesDetected int `json:"singles_detected"`

	// ProviderRequests is read off the rate gates at pass end.
	ProviderRequests map[string]int64 `json:"provider_requests,omitempty"`
	ProviderErrors   map[string]int64 `json:"provider_errors,omitempty"`
}

func newStats() Stats {
	return Stats{
		ProviderRequests: make(map[string]int64),
		ProviderErrors:   make(map[string]int64),
	}
}

// String renders the pass summary for the completion log line.
func (s *Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "albums ok=%d partial=%d failed=%d skipped=%d tracks=%d singles=%d",
		s.AlbumsOK, s.AlbumsPartial, s.AlbumsFailed, s.AlbumsSkipped,
		s.TracksScanned, s.SinglesDetected)

	names := make([]string, 0, len(s.ProviderRequests))
	for name := range s.ProviderRequests {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, " %s=%d", name, s.ProviderRequests[name])
		if errs := s.ProviderErrors[name]; errs > 0 {
			fmt.Fprintf(&b, "(%d errors)", errs)
		}
	}
	return b.String()
}

package lastfm

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Count wraps the counters Last.fm encodes as quoted decimal strings
// ("listeners": "1462203"). Implements json.Unmarshaler so the rest of the
// code can treat them as numbers.
type Count int64

func (c *Count) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*c = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*c = Count(n)
	return nil
}

// apiError is the envelope Last.fm returns instead of a result when a call
// fails. Error is 0 on success, so decoding it against any response is safe.
type apiError struct {
	Error   int    `json:"error"`
	Message string `json:"message"`
}

type Tag struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

type TrackInfo struct {
	Name      string `json:"name"`
	MBID      string `json:"mbid"`
	URL       string `json:"url"`
	Listeners Count  `json:"listeners"`
	Playcount Count  `json:"playcount"`
	Artist    struct {
		Name string `json:"name"`
		MBID string `json:"mbid"`
	} `json:"artist"`
	Album *struct {
		Artist string `json:"artist"`
		Title  string `json:"title"`
		MBID   string `json:"mbid"`
	} `json:"album,omitempty"`
	TopTags struct {
		Tags []Tag `json:"tag"`
	} `json:"toptags"`
}

type trackInfoResponse struct {
	Track *TrackInfo `json:"track"`
}

type topTagsResponse struct {
	TopTags struct {
		Tags []Tag `json:"tag"`
	} `json:"toptags"`
}

// decodeEnvelope decodes body into out after rejecting Last.fm error
// envelopes. Last.fm reports failures inside a 200 body as often as it uses
// real status codes, so both paths funnel through here.
func decodeEnvelope(body []byte, out any) (*apiError, error) {
	var e apiError
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, err
	}
	if e.Error != 0 {
		return &e, nil
	}
	return nil, json.Unmarshal(body, out)
}

package musicserver

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"

	subsonic "github.com/delucks/go-subsonic"

	"github.com/starling-fm/starling/models"
)

const apiVersion = "1.16.1"

// Client talks to a subsonic-compatible music server. Browsing goes through
// the go-subsonic client; setRating goes through a raw REST call with the
// salted token, which the library build does not cover.
type Client struct {
	baseURL    string
	username   string
	password   string
	clientName string

	salt   string
	token  string
	client subsonic.Client
	http   *http.Client
	logger *log.Logger
}

// New builds an unconnected client. Call Connect before use.
func New(baseURL, username, password string) *Client {
	return &Client{
		baseURL:    baseURL,
		username:   username,
		password:   password,
		clientName: "starling",
		http:       &http.Client{},
		logger:     log.New(os.Stdout, "musicserver: ", log.LstdFlags|log.Lmsgprefix),
	}
}

// Connect pings the server, derives the salted token, and authenticates the
// underlying subsonic client.
func (c *Client) Connect(ctx context.Context) error {
	salt, err := randomSalt()
	if err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}
	c.salt = salt
	c.token = saltedToken(c.password, c.salt)

	pingURL := fmt.Sprintf("%s/rest/ping.view?%s", c.baseURL, c.authValues().Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pingURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("pinging music server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pingResponse struct {
		SubsonicResponse struct {
			Status string `json:"status"`
			Error  struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		} `json:"subsonic-response"`
	}
	if err := json.Unmarshal(body, &pingResponse); err != nil {
		return fmt.Errorf("decoding ping response: %w", err)
	}
	if pingResponse.SubsonicResponse.Status != "ok" {
		return fmt.Errorf("music server ping failed: %s (code %d)",
			pingResponse.SubsonicResponse.Error.Message, pingResponse.SubsonicResponse.Error.Code)
	}

	c.client = subsonic.Client{
		Client:       c.http,
		BaseUrl:      c.baseURL,
		User:         c.username,
		ClientName:   c.clientName,
		PasswordAuth: true,
	}
	if err := c.client.Authenticate(c.password); err != nil {
		return fmt.Errorf("authenticating with music server: %w", err)
	}

	c.logger.Printf("connected to %s as %s", c.baseURL, c.username)
	return nil
}

// ListArtists returns every artist in the server's ID3 index, flattened.
func (c *Client) ListArtists(ctx context.Context) ([]models.Artist, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	index, err := c.client.GetArtists(nil)
	if err != nil {
		return nil, fmt.Errorf("listing artists: %w", err)
	}

	var artists []models.Artist
	for _, idx := range index.Index {
		for _, a := range idx.Artist {
			artists = append(artists, models.Artist{
				ID:   a.ID,
				Name: a.Name,
			})
		}
	}
	return artists, nil
}

// ListAlbums returns the albums of one artist.
func (c *Client) ListAlbums(ctx context.Context, artistID string) ([]models.Album, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	artist, err := c.client.GetArtist(artistID)
	if err != nil {
		return nil, fmt.Errorf("listing albums for artist %s: %w", artistID, err)
	}

	albums := make([]models.Album, 0, len(artist.Album))
	for _, a := range artist.Album {
		album := models.Album{
			ID:          a.ID,
			ArtistID:    artistID,
			Artist:      artist.Name,
			Title:       a.Name,
			TotalTracks: a.SongCount,
		}
		if a.Year != 0 {
			year := a.Year
			album.ReleaseYear = &year
		}
		if a.CoverArt != "" {
			coverURL := c.coverArtURL(a.CoverArt)
			album.CoverArtURL = &coverURL
		}
		albums = append(albums, album)
	}
	return albums, nil
}

// ListTracks returns the tracks of one album in disc/track order as the
// server reports them.
func (c *Client) ListTracks(ctx context.Context, albumID string) ([]models.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	album, err := c.client.GetAlbum(albumID)
	if err != nil {
		return nil, fmt.Errorf("listing tracks for album %s: %w", albumID, err)
	}

	tracks := make([]models.Track, 0, len(album.Song))
	for _, song := range album.Song {
		track := models.Track{
			ID:          song.ID,
			AlbumID:     albumID,
			Artist:      song.Artist,
			Album:       song.Album,
			Title:       song.Title,
			TrackNumber: song.Track,
			DiscNumber:  song.DiscNumber,
		}
		if song.Duration != 0 {
			duration := song.Duration
			track.DurationSeconds = &duration
		}
		if song.Genre != "" {
			genre := song.Genre
			track.Genre = &genre
		}
		tracks = append(tracks, track)
	}
	return tracks, nil
}

// SetRating writes a 0-5 star rating back to the server. Zero clears the
// rating.
func (c *Client) SetRating(ctx context.Context, trackID string, stars int) error {
	if stars < 0 || stars > 5 {
		return fmt.Errorf("rating %d out of range 0-5", stars)
	}

	params := c.authValues()
	params.Set("id", trackID)
	params.Set("rating", strconv.Itoa(stars))
	ratingURL := fmt.Sprintf("%s/rest/setRating.view?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ratingURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to set rating: status code %d, body: %s", resp.StatusCode, string(body))
	}

	var subsonicResponse struct {
		SubsonicResponse struct {
			Status string `json:"status"`
			Error  struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		} `json:"subsonic-response"`
	}
	if err := json.Unmarshal(body, &subsonicResponse); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if subsonicResponse.SubsonicResponse.Status == "failed" {
		return fmt.Errorf("failed to set rating: %s (code %d)",
			subsonicResponse.SubsonicResponse.Error.Message, subsonicResponse.SubsonicResponse.Error.Code)
	}

	return nil
}

// authValues returns the common query parameters every subsonic REST call
// carries.
func (c *Client) authValues() url.Values {
	params := url.Values{}
	params.Set("u", c.username)
	params.Set("t", c.token)
	params.Set("s", c.salt)
	params.Set("v", apiVersion)
	params.Set("c", c.clientName)
	params.Set("f", "json")
	return params
}

func (c *Client) coverArtURL(coverID string) string {
	params := c.authValues()
	params.Set("id", coverID)
	return fmt.Sprintf("%s/rest/getCoverArt.view?%s", c.baseURL, params.Encode())
}

func saltedToken(password, salt string) string {
	hasher := md5.New()
	hasher.Write([]byte(password + salt))
	return hex.EncodeToString(hasher.Sum(nil))
}

func randomSalt() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

package musicserver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeSubsonic answers the handful of REST endpoints the client uses, for
// both bare and .view paths.
type fakeSubsonic struct {
	mu      sync.Mutex
	ratings map[string]string
}

func (f *fakeSubsonic) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		endpoint := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/rest/"), ".view")
		w.Header().Set("Content-Type", "application/json")

		switch endpoint {
		case "ping":
			fmt.Fprint(w, `{"subsonic-response":{"status":"ok","version":"1.16.1"}}`)
		case "getLicense":
			fmt.Fprint(w, `{"subsonic-response":{"status":"ok","version":"1.16.1","license":{"valid":true}}}`)
		case "getArtists":
			fmt.Fprint(w, `{"subsonic-response":{"status":"ok","version":"1.16.1","artists":{
				"ignoredArticles":"The El La",
				"index":[
					{"name":"A","artist":[{"id":"ar-1","name":"Asobi Seksu","albumCount":2}]},
					{"name":"B","artist":[{"id":"ar-2","name":"Beach House","albumCount":1}]}
				]}}}`)
		case "getArtist":
			fmt.Fprint(w, `{"subsonic-response":{"status":"ok","version":"1.16.1","artist":{
				"id":"ar-1","name":"Asobi Seksu","albumCount":2,
				"album":[
					{"id":"al-1","name":"Citrus","artist":"Asobi Seksu","artistId":"ar-1","songCount":2,"year":2006,"coverArt":"cov-1"},
					{"id":"al-2","name":"Hush","artist":"Asobi Seksu","artistId":"ar-1","songCount":1}
				]}}}`)
		case "getAlbum":
			fmt.Fprint(w, `{"subsonic-response":{"status":"ok","version":"1.16.1","album":{
				"id":"al-1","name":"Citrus","artist":"Asobi Seksu","songCount":2,
				"song":[
					{"id":"t-1","title":"Strawberries","artist":"Asobi Seksu","album":"Citrus","track":1,"discNumber":1,"duration":243,"year":2006,"genre":"Shoegaze"},
					{"id":"t-2","title":"New Years","artist":"Asobi Seksu","album":"Citrus","track":2,"duration":201}
				]}}}`)
		case "setRating":
			f.mu.Lock()
			f.ratings[r.URL.Query().Get("id")] = r.URL.Query().Get("rating")
			f.mu.Unlock()
			fmt.Fprint(w, `{"subsonic-response":{"status":"ok","version":"1.16.1"}}`)
		default:
			fmt.Fprint(w, `{"subsonic-response":{"status":"ok","version":"1.16.1"}}`)
		}
	}
}

func newTestClient(t *testing.T) (*Client, *fakeSubsonic) {
	t.Helper()
	fake := &fakeSubsonic{ratings: make(map[string]string)}
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	client := New(server.URL, "admin", "hunter2")
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return client, fake
}

func TestListArtists(t *testing.T) {
	client, _ := newTestClient(t)

	artists, err := client.ListArtists(context.Background())
	if err != nil {
		t.Fatalf("ListArtists() error = %v", err)
	}
	if len(artists) != 2 {
		t.Fatalf("got %d artists, want 2", len(artists))
	}
	if artists[0].ID != "ar-1" || artists[0].Name != "Asobi Seksu" {
		t.Errorf("first artist = %+v, want ar-1/Asobi Seksu", artists[0])
	}
	if artists[1].Name != "Beach House" {
		t.Errorf("second artist = %+v, want Beach House", artists[1])
	}
}

func TestListAlbums(t *testing.T) {
	client, _ := newTestClient(t)

	albums, err := client.ListAlbums(context.Background(), "ar-1")
	if err != nil {
		t.Fatalf("ListAlbums() error = %v", err)
	}
	if len(albums) != 2 {
		t.Fatalf("got %d albums, want 2", len(albums))
	}

	first := albums[0]
	if first.ID != "al-1" || first.Title != "Citrus" || first.TotalTracks != 2 {
		t.Errorf("first album = %+v, want al-1/Citrus with 2 tracks", first)
	}
	if first.ReleaseYear == nil || *first.ReleaseYear != 2006 {
		t.Errorf("first album year = %v, want 2006", first.ReleaseYear)
	}
	if first.CoverArtURL == nil || !strings.Contains(*first.CoverArtURL, "getCoverArt") {
		t.Errorf("first album cover URL = %v, want getCoverArt link", first.CoverArtURL)
	}
	if albums[1].ReleaseYear != nil {
		t.Errorf("second album year = %v, want nil (absent)", albums[1].ReleaseYear)
	}
}

func TestListTracks(t *testing.T) {
	client, _ := newTestClient(t)

	tracks, err := client.ListTracks(context.Background(), "al-1")
	if err != nil {
		t.Fatalf("ListTracks() error = %v", err)
	}
	if len(tracks) != 2 {
		t.Fatalf("got %d tracks, want 2", len(tracks))
	}

	first := tracks[0]
	if first.ID != "t-1" || first.Title != "Strawberries" || first.TrackNumber != 1 || first.DiscNumber != 1 {
		t.Errorf("first track = %+v", first)
	}
	if first.DurationSeconds == nil || *first.DurationSeconds != 243 {
		t.Errorf("first track duration = %v, want 243", first.DurationSeconds)
	}
	if first.Genre == nil || *first.Genre != "Shoegaze" {
		t.Errorf("first track genre = %v, want Shoegaze", first.Genre)
	}
	if tracks[1].Genre != nil {
		t.Errorf("second track genre = %v, want nil (absent)", tracks[1].Genre)
	}
}

func TestSetRating(t *testing.T) {
	client, fake := newTestClient(t)

	if err := client.SetRating(context.Background(), "t-1", 4); err != nil {
		t.Fatalf("SetRating() error = %v", err)
	}

	fake.mu.Lock()
	got := fake.ratings["t-1"]
	fake.mu.Unlock()
	if got != "4" {
		t.Errorf("server recorded rating %q, want %q", got, "4")
	}
}

func TestSetRatingRange(t *testing.T) {
	client, fake := newTestClient(t)

	if err := client.SetRating(context.Background(), "t-1", 6); err == nil {
		t.Error("SetRating(6) should fail without calling the server")
	}
	if err := client.SetRating(context.Background(), "t-1", -1); err == nil {
		t.Error("SetRating(-1) should fail without calling the server")
	}

	fake.mu.Lock()
	_, called := fake.ratings["t-1"]
	fake.mu.Unlock()
	if called {
		t.Error("out-of-range ratings must not reach the server")
	}
}

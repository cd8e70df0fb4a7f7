package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/starling-fm/starling/config"
	"github.com/starling-fm/starling/db"
	"github.com/starling-fm/starling/db/accounts"
	"github.com/starling-fm/starling/fetch"
	"github.com/starling-fm/starling/musicserver"
	"github.com/starling-fm/starling/normalize"
	"github.com/starling-fm/starling/provider"
	"github.com/starling-fm/starling/rating"
	"github.com/starling-fm/starling/resolver"
	"github.com/starling-fm/starling/scanner"
	"github.com/starling-fm/starling/service/discogs"
	"github.com/starling-fm/starling/service/lastfm"
	"github.com/starling-fm/starling/service/listenbrainz"
	"github.com/starling-fm/starling/service/musicbrainz"
	"github.com/starling-fm/starling/service/spotify"
	"github.com/starling-fm/starling/singles"
)

func main() {
	config.Load()
	cfg := config.FromViper()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("scan failed: %v", err)
	}
	log.Println("shutdown complete")
}

func run(ctx context.Context, cfg config.Config) error {
	store, err := db.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Initialize(); err != nil {
		return err
	}
	if err := store.Migrate(); err != nil {
		return err
	}

	applyAccount(store, &cfg)

	library := musicserver.New(cfg.MusicServerURL, cfg.MusicServerUser, cfg.MusicServerPassword)
	if err := library.Connect(ctx); err != nil {
		return err
	}

	norm := normalize.New(cfg.AlternatePatterns)

	var gates []*provider.Gate
	var (
		spotifySvc *spotify.Service
		lastfmSvc  *lastfm.Service
		lbSvc      *listenbrainz.Service
		mbSvc      *musicbrainz.Service
		discogsSvc *discogs.Service
	)

	if cfg.Spotify.Enabled && cfg.Spotify.ClientID != "" {
		spotifySvc = spotify.NewService(cfg.Spotify.ClientID, cfg.Spotify.ClientSecret)
		if err := spotifySvc.Connect(ctx); err != nil {
			log.Printf("spotify disabled: %v", err)
			spotifySvc = nil
		} else {
			gates = append(gates, spotifySvc.Gate())
		}
	}
	if cfg.LastFM.Enabled && cfg.LastFM.APIKey != "" {
		lastfmSvc = lastfm.NewService(cfg.LastFM.APIKey)
		gates = append(gates, lastfmSvc.Gate())
	}
	if cfg.ListenBrainz.Enabled {
		lbSvc = listenbrainz.NewService(cfg.ListenBrainz.Token)
		gates = append(gates, lbSvc.Gate())
	}
	if cfg.MusicBrainz.Enabled {
		mbSvc = musicbrainz.NewService()
		gates = append(gates, mbSvc.Gate())
	}
	if cfg.Discogs.Enabled && cfg.Discogs.Token != "" {
		discogsSvc = discogs.NewService(cfg.Discogs.Token)
		gates = append(gates, discogsSvc.Gate())
	}

	for _, gate := range gates {
		if rps, ok := cfg.RateLimits[gate.Name()]; ok {
			gate.SetRate(rps)
			log.Printf("rate limit override: %s at %.2f req/s", gate.Name(), rps)
		}
	}

	// Interface wiring avoids typed-nil traps: only a live service becomes
	// a client.
	var (
		resSpotify resolver.SpotifyClient
		resMB      resolver.MusicBrainzClient
		resDiscogs resolver.DiscogsClient

		fetchSpotify fetch.SpotifyClient
		fetchLastFM  fetch.LastFMClient
		fetchLB      fetch.ListenBrainzClient
		fetchMB      fetch.MusicBrainzClient
		fetchDiscogs fetch.DiscogsClient
	)
	if spotifySvc != nil {
		resSpotify = spotifySvc
		fetchSpotify = spotifySvc
	}
	if mbSvc != nil {
		resMB = mbSvc
		fetchMB = mbSvc
	}
	if discogsSvc != nil {
		resDiscogs = discogsSvc
		fetchDiscogs = discogsSvc
	}
	if lastfmSvc != nil {
		fetchLastFM = lastfmSvc
	}
	if lbSvc != nil {
		fetchLB = lbSvc
	}

	res := resolver.New(resSpotify, resMB, resDiscogs, store, norm)
	fetcher := fetch.New(fetchSpotify, fetchLastFM, fetchLB, fetchMB, fetchDiscogs, store)
	fuser := rating.NewFuser(rating.Weights{
		Spotify:      cfg.Weights.Spotify,
		LastFM:       cfg.Weights.LastFM,
		ListenBrainz: cfg.Weights.ListenBrainz,
		Age:          cfg.Weights.Age,
	})
	detector := singles.NewDetector(norm, singles.Config{
		UseAdvanced:     cfg.UseAdvancedDetection,
		ZScoreThreshold: cfg.ZScoreThreshold,
	})
	reporter := scanner.NewReporter(cfg.ProgressPath)

	opts := scanner.DefaultOptions()
	opts.Force = cfg.Force
	opts.Perpetual = cfg.Perpetual
	opts.BatchRate = cfg.BatchRate
	opts.ScanArtist = cfg.ScanArtist
	opts.ScanAlbum = cfg.ScanAlbum
	opts.PushRatings = cfg.PushRatings
	if cfg.PerpetualInterval > 0 {
		opts.PerpetualInterval = cfg.PerpetualInterval
	}
	if cfg.AlbumTimeout > 0 {
		opts.AlbumTimeout = cfg.AlbumTimeout
	}
	if cfg.FreshnessDays > 0 {
		opts.FreshnessDays = cfg.FreshnessDays
	}
	if cfg.CapTop4Pct > 0 {
		opts.Banding.CapTop4Pct = cfg.CapTop4Pct
	}
	opts.Banding.ZScoreThreshold = cfg.ZScoreThreshold

	scan := scanner.New(opts, library, store, res, fetcher, fuser, detector, norm, reporter, gates)
	return scan.Run(ctx)
}

// applyAccount syncs configured accounts into the credential store and
// overlays the active account's credentials onto the provider config.
func applyAccount(store *db.DB, cfg *config.Config) {
	manager := accounts.NewManager(store)

	for _, acct := range cfg.Accounts {
		if acct.Name == "" {
			continue
		}
		if err := manager.Save(&accounts.Account{
			Name:                acct.Name,
			LastFMAPIKey:        acct.LastFMAPIKey,
			ListenBrainzToken:   acct.ListenBrainzToken,
			DiscogsToken:        acct.DiscogsToken,
			SpotifyClientID:     acct.SpotifyClientID,
			SpotifyClientSecret: acct.SpotifyClientSecret,
		}); err != nil {
			log.Printf("saving account %q: %v", acct.Name, err)
		}
	}

	name := cfg.ScanAccount
	if name == "" && len(cfg.Accounts) > 0 {
		name = cfg.Accounts[0].Name
	}
	if name == "" {
		return
	}

	active, ok := manager.Get(name)
	if !ok {
		log.Printf("account %q not found; using top-level credentials", name)
		return
	}
	log.Printf("scanning as account %q", name)

	if active.SpotifyClientID != "" {
		cfg.Spotify.ClientID = active.SpotifyClientID
		cfg.Spotify.ClientSecret = active.SpotifyClientSecret
	}
	if active.LastFMAPIKey != "" {
		cfg.LastFM.APIKey = active.LastFMAPIKey
	}
	if active.ListenBrainzToken != "" {
		cfg.ListenBrainz.Token = active.ListenBrainzToken
	}
	if active.DiscogsToken != "" {
		cfg.Discogs.Token = active.DiscogsToken
	}

	for i := range cfg.Accounts {
		if cfg.Accounts[i].Name != name {
			continue
		}
		if cfg.Accounts[i].MusicServerURL != "" {
			cfg.MusicServerURL = cfg.Accounts[i].MusicServerURL
			cfg.MusicServerUser = cfg.Accounts[i].MusicServerUser
			cfg.MusicServerPassword = cfg.Accounts[i].MusicServerPassword
		}
	}
}

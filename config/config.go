package config

import (
	"log"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Weights is the popularity fusion weight vector. FromViper renormalizes it
// to sum to 1 when the configured values do not.
type Weights struct {
	Spotify      float64
	LastFM       float64
	ListenBrainz float64
	Age          float64
}

// Sum returns the total weight mass.
func (w Weights) Sum() float64 {
	return w.Spotify + w.LastFM + w.ListenBrainz + w.Age
}

// Provider holds one external provider's switch and credentials. Fields that
// a provider does not use stay empty.
type Provider struct {
	Enabled      bool
	APIKey       string
	Token        string
	ClientID     string
	ClientSecret string
}

// Account is one user's credential set from the accounts list. The first
// account is the default when scan.account is unset.
type Account struct {
	Name                string
	MusicServerURL      string
	MusicServerUser     string
	MusicServerPassword string
	SpotifyClientID     string
	SpotifyClientSecret string
	LastFMAPIKey        string
	ListenBrainzToken   string
	DiscogsToken        string
}

// Config is the fixed configuration record the pipeline consumes. The
// pipeline never reads viper directly; unknown keys in the file are warned
// about at load, not honored.
type Config struct {
	DBPath       string
	ProgressPath string

	MusicServerURL      string
	MusicServerUser     string
	MusicServerPassword string
	PushRatings         bool

	Spotify      Provider
	LastFM       Provider
	ListenBrainz Provider
	MusicBrainz  Provider
	Discogs      Provider

	// RateLimits maps provider name to requests per second, overriding the
	// built-in defaults.
	RateLimits map[string]float64

	Weights Weights

	Force     bool
	Perpetual bool
	BatchRate bool

	PerpetualInterval time.Duration
	AlbumTimeout      time.Duration
	FreshnessDays     int

	ScanArtist  string
	ScanAlbum   string
	ScanAccount string

	CapTop4Pct           float64
	ZScoreThreshold      float64
	UseAdvancedDetection bool

	// AlternatePatterns overrides the built-in alternate-version regex set
	// when non-empty.
	AlternatePatterns []string

	Accounts []Account
}

// knownKeys are the exact configuration keys the pipeline recognizes.
var knownKeys = map[string]bool{
	"db.path":                      true,
	"progress.path":                true,
	"musicserver.url":              true,
	"musicserver.username":         true,
	"musicserver.password":         true,
	"musicserver.push_ratings":     true,
	"weights.spotify":              true,
	"weights.lastfm":               true,
	"weights.listenbrainz":         true,
	"weights.age":                  true,
	"features.force":               true,
	"features.perpetual":           true,
	"features.batchrate":           true,
	"perpetual.interval":           true,
	"album.timeout":                true,
	"freshness_days":               true,
	"scan.artist":                  true,
	"scan.album":                   true,
	"scan.account":                 true,
	"cap_top4_pct":                 true,
	"zscore_threshold":             true,
	"use_advanced_detection":       true,
	"normalize.alternate_patterns": true,
}

// knownPrefixes cover the keys with a provider or list component.
var knownPrefixes = []string{
	"rate_limits.",
	"provider.",
	"accounts",
}

// Load initializes viper: .env best-effort, defaults for every recognized
// key, environment binding, and an optional config.yaml. A missing file is
// fine; a malformed one is fatal.
func Load() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading it. Using default values and environment variables.")
	}

	viper.SetDefault("db.path", "./data/starling.db")
	viper.SetDefault("progress.path", "./data/scan_progress.json")

	viper.SetDefault("musicserver.url", "http://localhost:4533")
	viper.SetDefault("musicserver.push_ratings", true)

	viper.SetDefault("weights.spotify", 0.30)
	viper.SetDefault("weights.lastfm", 0.50)
	viper.SetDefault("weights.listenbrainz", 0.0)
	viper.SetDefault("weights.age", 0.20)

	viper.SetDefault("features.force", false)
	viper.SetDefault("features.perpetual", false)
	viper.SetDefault("features.batchrate", true)
	viper.SetDefault("perpetual.interval", "24h")
	viper.SetDefault("album.timeout", "120s")
	viper.SetDefault("freshness_days", 7)

	viper.SetDefault("cap_top4_pct", 0.25)
	viper.SetDefault("zscore_threshold", 0.20)
	viper.SetDefault("use_advanced_detection", false)

	viper.SetDefault("provider.spotify.enabled", true)
	viper.SetDefault("provider.lastfm.enabled", true)
	viper.SetDefault("provider.listenbrainz.enabled", true)
	viper.SetDefault("provider.musicbrainz.enabled", true)
	viper.SetDefault("provider.discogs.enabled", true)

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.config/starling")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Fatalf("Error reading config file: %v", err)
		}
		log.Println("Config file not found, using default values and environment variables")
	} else {
		log.Println("Using config file:", viper.ConfigFileUsed())
	}

	warnUnknownKeys()
}

// warnUnknownKeys flags file keys the schema does not recognize. They are
// never honored silently.
func warnUnknownKeys() {
	var unknown []string
	for _, key := range viper.AllKeys() {
		if knownKeys[key] {
			continue
		}
		recognized := false
		for _, prefix := range knownPrefixes {
			if key == strings.TrimSuffix(prefix, ".") || strings.HasPrefix(key, prefix) {
				recognized = true
				break
			}
		}
		if !recognized {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	for _, key := range unknown {
		log.Printf("Ignoring unknown configuration key %q", key)
	}
}

// FromViper materializes the fixed Config record from the loaded viper state.
func FromViper() Config {
	cfg := Config{
		DBPath:       viper.GetString("db.path"),
		ProgressPath: viper.GetString("progress.path"),

		MusicServerURL:      viper.GetString("musicserver.url"),
		MusicServerUser:     viper.GetString("musicserver.username"),
		MusicServerPassword: viper.GetString("musicserver.password"),
		PushRatings:         viper.GetBool("musicserver.push_ratings"),

		Spotify: Provider{
			Enabled:      viper.GetBool("provider.spotify.enabled"),
			ClientID:     viper.GetString("provider.spotify.client_id"),
			ClientSecret: viper.GetString("provider.spotify.client_secret"),
		},
		LastFM: Provider{
			Enabled: viper.GetBool("provider.lastfm.enabled"),
			APIKey:  viper.GetString("provider.lastfm.api_key"),
		},
		ListenBrainz: Provider{
			Enabled: viper.GetBool("provider.listenbrainz.enabled"),
			Token:   viper.GetString("provider.listenbrainz.token"),
		},
		MusicBrainz: Provider{
			Enabled: viper.GetBool("provider.musicbrainz.enabled"),
		},
		Discogs: Provider{
			Enabled: viper.GetBool("provider.discogs.enabled"),
			Token:   viper.GetString("provider.discogs.token"),
		},

		Weights: Weights{
			Spotify:      viper.GetFloat64("weights.spotify"),
			LastFM:       viper.GetFloat64("weights.lastfm"),
			ListenBrainz: viper.GetFloat64("weights.listenbrainz"),
			Age:          viper.GetFloat64("weights.age"),
		},

		Force:     viper.GetBool("features.force"),
		Perpetual: viper.GetBool("features.perpetual"),
		BatchRate: viper.GetBool("features.batchrate"),

		PerpetualInterval: viper.GetDuration("perpetual.interval"),
		AlbumTimeout:      viper.GetDuration("album.timeout"),
		FreshnessDays:     viper.GetInt("freshness_days"),

		ScanArtist:  viper.GetString("scan.artist"),
		ScanAlbum:   viper.GetString("scan.album"),
		ScanAccount: viper.GetString("scan.account"),

		CapTop4Pct:           viper.GetFloat64("cap_top4_pct"),
		ZScoreThreshold:      viper.GetFloat64("zscore_threshold"),
		UseAdvancedDetection: viper.GetBool("use_advanced_detection"),

		AlternatePatterns: viper.GetStringSlice("normalize.alternate_patterns"),

		RateLimits: make(map[string]float64),
	}

	for name, value := range viper.GetStringMap("rate_limits") {
		rateKey := "rate_limits." + name
		if rps := viper.GetFloat64(rateKey); rps > 0 {
			cfg.RateLimits[name] = rps
		} else {
			log.Printf("Ignoring non-positive rate limit for %q: %v", name, value)
		}
	}

	var rawAccounts []Account
	if err := viper.UnmarshalKey("accounts", &rawAccounts); err != nil {
		log.Printf("Ignoring malformed accounts list: %v", err)
	} else {
		cfg.Accounts = rawAccounts
	}

	cfg.Weights = renormalize(cfg.Weights)
	return cfg
}

// renormalize scales a weight vector to sum to 1, logging when it had to.
// A zero vector falls back to the documented defaults.
func renormalize(w Weights) Weights {
	sum := w.Sum()
	if sum <= 0 {
		log.Printf("Weight vector sums to %v; falling back to defaults", sum)
		return Weights{Spotify: 0.30, LastFM: 0.50, ListenBrainz: 0.0, Age: 0.20}
	}
	if sum == 1 {
		return w
	}

	scaled := Weights{
		Spotify:      w.Spotify / sum,
		LastFM:       w.LastFM / sum,
		ListenBrainz: w.ListenBrainz / sum,
		Age:          w.Age / sum,
	}
	log.Printf("Renormalized weight vector %+v to %+v", w, scaled)
	return scaled
}

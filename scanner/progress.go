package scanner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Snapshot is the progress file schema. Written atomically; observers may
// read a stale snapshot but never a torn one.
type Snapshot struct {
	IsRunning        bool      `json:"is_running"`
	ScanType         string    `json:"scan_type"`
	CurrentArtist    string    `json:"current_artist"`
	CurrentAlbum     string    `json:"current_album"`
	CurrentPhase     string    `json:"current_phase"`
	ProcessedArtists int       `json:"processed_artists"`
	TotalArtists     int       `json:"total_artists"`
	ProcessedTracks  int       `json:"processed_tracks"`
	TotalTracks      int       `json:"total_tracks"`
	ElapsedSeconds   float64   `json:"elapsed_seconds"`
	PercentComplete  float64   `json:"percent_complete"`
	StartedAt        time.Time `json:"started_at"`
	LastUpdateAt     time.Time `json:"last_update_at"`

	// Stats rides along on the final snapshot of a pass.
	Stats *Stats `json:"stats,omitempty"`
}

// Reporter maintains the progress snapshot file. Single writer; the write is
// temp-file-and-rename so readers always see a complete document.
type Reporter struct {
	path string

	mu   sync.Mutex
	snap Snapshot
	now  func() time.Time
}

func NewReporter(path string) *Reporter {
	return &Reporter{path: path, now: time.Now}
}

// Update mutates the snapshot and writes it out. Elapsed time and the
// percent-complete figure are derived here, not by callers.
func (r *Reporter) Update(mutate func(*Snapshot)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	mutate(&r.snap)

	now := r.now()
	r.snap.LastUpdateAt = now
	if !r.snap.StartedAt.IsZero() {
		r.snap.ElapsedSeconds = now.Sub(r.snap.StartedAt).Seconds()
	}
	if r.snap.TotalArtists > 0 {
		r.snap.PercentComplete = 100 * float64(r.snap.ProcessedArtists) / float64(r.snap.TotalArtists)
	}

	return r.write()
}

// write marshals the snapshot into a temp file beside the target and renames
// it into place.
func (r *Reporter) write() error {
	data, err := json.MarshalIndent(r.snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding progress snapshot: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating progress directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".progress-*")
	if err != nil {
		return fmt.Errorf("creating progress temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing progress snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing progress temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publishing progress snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot loads a progress file, for observer processes.
func ReadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding progress snapshot: %w", err)
	}
	return &snap, nil
}

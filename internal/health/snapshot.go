package health

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/renameio/v2"

	"github.com/snapetech/iptv-gateway/internal/catalog"
	"github.com/snapetech/iptv-gateway/internal/store"
)

// Snapshot is the persisted warm-start file. The store's health columns win
// over the snapshot after the first real probe; the file is only an
// optimization across restarts.
type Snapshot struct {
	Timestamp time.Time        `json:"timestamp"`
	Stats     map[string]int   `json:"stats"`
	Streams   []SnapshotStream `json:"streams"`
}

type SnapshotStream struct {
	ID         string               `json:"id"`
	ChannelID  string               `json:"channel_id"`
	Status     catalog.HealthStatus `json:"status"`
	ResponseMS int                  `json:"response_ms"`
}

// SaveSnapshot writes health state for all non-unknown streams atomically.
func SaveSnapshot(path string, st *store.Store) error {
	stats, err := st.GetHealthStats()
	if err != nil {
		return err
	}
	snap := Snapshot{
		Timestamp: time.Now().UTC(),
		Stats:     stats.ByStatus,
	}
	updates, err := st.GetKnownHealthStates()
	if err != nil {
		return err
	}
	for _, u := range updates {
		snap.Streams = append(snap.Streams, SnapshotStream{
			ID: u.ID, ChannelID: u.ChannelID, Status: u.Status, ResponseMS: u.ResponseMS,
		})
	}
	blob, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(path, blob, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot applies a previously saved snapshot through
// UpdateStreamHealth. Entries for streams that no longer exist are skipped.
// Returns the number of streams applied; a missing file is not an error.
func LoadSnapshot(path string, st *store.Store) (int, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	var snap Snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return 0, fmt.Errorf("decode snapshot: %w", err)
	}
	applied := 0
	for _, s := range snap.Streams {
		errStr := ""
		if s.Status == catalog.HealthWarning {
			errStr = "403 Forbidden (possible geo-block)"
		}
		due := NextCheckDue(s.Status, errStr, time.Now())
		if err := st.UpdateStreamHealth(s.ID, s.Status, s.ResponseMS, errStr, due); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return applied, err
		}
		applied++
	}
	return applied, nil
}

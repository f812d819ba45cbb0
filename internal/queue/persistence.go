package queue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/aegis-home/meshbridge/internal/model"
)

const persistenceFileName = "queue.json"

// persistedStats mirrors the "stats" block of the persistence file
// format in spec section 6.
type persistedStats struct {
	TotalQueued     int64   `json:"total_queued"`
	TotalSent       int64   `json:"total_sent"`
	TotalFailed     int64   `json:"total_failed"`
	TotalRetried    int64   `json:"total_retried"`
	AvgQueueTimeMs  float64 `json:"avg_queue_time_ms"`
}

type persistedState struct {
	Pending   []model.QueuedMessage `json:"pending"`
	Failed    []model.QueuedMessage `json:"failed"`
	Stats     persistedStats        `json:"stats"`
	Timestamp time.Time             `json:"timestamp"`
}

// persistPath returns the path to queue.json under dir.
func persistPath(dir string) string {
	return filepath.Join(dir, persistenceFileName)
}

// writeAtomic serializes state to <dir>/queue.json by writing a temp
// file, fsyncing it, and renaming it into place, per spec section 6
// ("Written atomically").
func writeAtomic(dir string, state persistedState) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, persistenceFileName+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, persistPath(dir))
}

// loadPersisted reads <dir>/queue.json. It returns a zero-value state
// and ok=false if the file does not exist. Corrupt entries within the
// file are skipped and counted rather than failing the whole load.
func loadPersisted(dir string) (state persistedState, skipped int, ok bool, err error) {
	data, readErr := os.ReadFile(persistPath(dir))
	if os.IsNotExist(readErr) {
		return persistedState{}, 0, false, nil
	}
	if readErr != nil {
		return persistedState{}, 0, false, readErr
	}

	var raw struct {
		Pending   []json.RawMessage `json:"pending"`
		Failed    []json.RawMessage `json:"failed"`
		Stats     persistedStats    `json:"stats"`
		Timestamp time.Time         `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return persistedState{}, 0, false, err
	}

	state.Stats = raw.Stats
	state.Timestamp = raw.Timestamp
	for _, item := range raw.Pending {
		var msg model.QueuedMessage
		if err := json.Unmarshal(item, &msg); err != nil {
			skipped++
			continue
		}
		state.Pending = append(state.Pending, msg)
	}
	for _, item := range raw.Failed {
		var msg model.QueuedMessage
		if err := json.Unmarshal(item, &msg); err != nil {
			skipped++
			continue
		}
		state.Failed = append(state.Failed, msg)
	}
	return state, skipped, true, nil
}

package tape

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	tapeSetFile       = "current_backup_tapes.txt"
	lastCleanFile     = "last_clean_time.txt"
	cleaningStatsFile = "tape_statistics.json"
)

// CleaningStats tracks drive cleaning over time.
type CleaningStats struct {
	CleaningCount int    `json:"cleaning_count"`
	LastCleaning  string `json:"last_cleaning"`
}

// ScratchState holds the per-run files a backup leaves on disk: the set of
// volume labels consumed so far and the cleaning bookkeeping.
type ScratchState struct {
	dir string
}

// NewScratchState creates the scratch directory if needed.
func NewScratchState(dir string) (*ScratchState, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	return &ScratchState{dir: dir}, nil
}

func (s *ScratchState) tapeSetPath() string {
	return filepath.Join(s.dir, tapeSetFile)
}

// ClearRun removes the per-run files. Called at the start of every backup
// so stale tape sets from an interrupted run never leak into a new one.
func (s *ScratchState) ClearRun() error {
	for _, name := range []string{tapeSetFile, lastCleanFile} {
		path := filepath.Join(s.dir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to clear %s: %w", name, err)
		}
	}
	return nil
}

// RecordTape appends a volume label to the run's tape set.
func (s *ScratchState) RecordTape(label string) error {
	f, err := os.OpenFile(s.tapeSetPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open tape set file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s ", label); err != nil {
		return fmt.Errorf("failed to record tape: %w", err)
	}
	return nil
}

// UsedTapes returns the run's volume labels, deduplicated and sorted.
func (s *ScratchState) UsedTapes() ([]string, error) {
	data, err := os.ReadFile(s.tapeSetPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read tape set file: %w", err)
	}

	seen := make(map[string]bool)
	var labels []string
	for _, label := range strings.Fields(string(data)) {
		if !seen[label] {
			seen[label] = true
			labels = append(labels, label)
		}
	}
	sort.Strings(labels)
	return labels, nil
}

// RecordCleaning stores the cleaning timestamp and bumps the counter.
func (s *ScratchState) RecordCleaning(at time.Time) error {
	stamp := at.UTC().Format(time.RFC3339)

	if err := os.WriteFile(filepath.Join(s.dir, lastCleanFile), []byte(stamp+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write last clean time: %w", err)
	}

	stats, _ := s.Cleaning()
	stats.CleaningCount++
	stats.LastCleaning = stamp

	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.dir, cleaningStatsFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write cleaning stats: %w", err)
	}
	return nil
}

// Cleaning returns the cleaning statistics recorded so far.
func (s *ScratchState) Cleaning() (CleaningStats, error) {
	var stats CleaningStats
	data, err := os.ReadFile(filepath.Join(s.dir, cleaningStatsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, err
	}
	if err := json.Unmarshal(data, &stats); err != nil {
		return CleaningStats{}, fmt.Errorf("corrupt cleaning stats: %w", err)
	}
	return stats, nil
}

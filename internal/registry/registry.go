package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/RoseOO/tapestream/internal/logging"
	"github.com/RoseOO/tapestream/internal/models"
)

const (
	timestampLayout = "2006-01-02 15:04:05"
	backupDirName   = "registry_backups"

	// manifest filenames look like 20240115_0200_Daily.txt
	manifestTimeLayout = "20060102_1504"
)

// ErrNotFound is returned when no entry matches a label
var ErrNotFound = errors.New("backup not found in registry")

// Registry is the append-only catalog of completed backups. One line per
// backup: timestamp;label;tape-set;file-index;manifest-path
type Registry struct {
	mu        sync.Mutex
	path      string
	retention int
	logger    *logging.Logger
}

// New creates a registry over the given catalog file. retention is the
// number of backup copies kept by Prune and Rebuild.
func New(path string, retention int, logger *logging.Logger) *Registry {
	if retention <= 0 {
		retention = 10
	}
	return &Registry{
		path:      path,
		retention: retention,
		logger:    logger,
	}
}

// Path returns the catalog file location
func (r *Registry) Path() string {
	return r.path
}

func formatLine(e models.RegistryEntry) string {
	return fmt.Sprintf("%s;%s;[%s];%d;%s",
		e.Timestamp.Format(timestampLayout),
		e.Label,
		strings.Join(e.Tapes, ","),
		e.FileIndex,
		e.ManifestPath,
	)
}

func parseLine(line string) (models.RegistryEntry, error) {
	parts := strings.Split(line, ";")
	if len(parts) < 5 {
		return models.RegistryEntry{}, fmt.Errorf("malformed line: expected 5 fields, got %d", len(parts))
	}

	ts, err := time.Parse(timestampLayout, parts[0])
	if err != nil {
		return models.RegistryEntry{}, fmt.Errorf("bad timestamp %q: %w", parts[0], err)
	}

	fileIndex, err := strconv.Atoi(parts[3])
	if err != nil {
		return models.RegistryEntry{}, fmt.Errorf("bad file index %q: %w", parts[3], err)
	}

	tapes := strings.Trim(parts[2], "[]")
	var tapeList []string
	if tapes != "" {
		tapeList = strings.Split(tapes, ",")
	}

	return models.RegistryEntry{
		Timestamp:    ts,
		Label:        parts[1],
		Tapes:        tapeList,
		FileIndex:    fileIndex,
		ManifestPath: strings.Join(parts[4:], ";"),
	}, nil
}

// Append adds one entry to the catalog.
func (r *Registry) Append(e models.RegistryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.Label == "" {
		return fmt.Errorf("registry entry requires a label")
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, formatLine(e)); err != nil {
		return fmt.Errorf("failed to append registry entry: %w", err)
	}

	r.logger.Info("Registry entry appended", map[string]interface{}{
		"label":      e.Label,
		"file_index": e.FileIndex,
	})
	return nil
}

// List returns all well-formed entries in file order. Malformed lines are
// skipped, not fatal.
func (r *Registry) List() ([]models.RegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readEntries()
}

func (r *Registry) readEntries() ([]models.RegistryEntry, error) {
	lines, err := r.readLines()
	if err != nil {
		return nil, err
	}

	var entries []models.RegistryEntry
	for _, line := range lines {
		entry, err := parseLine(line)
		if err != nil {
			r.logger.Warn("Skipping malformed registry line", map[string]interface{}{
				"line":  line,
				"error": err.Error(),
			})
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (r *Registry) readLines() ([]string, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}

	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// Find returns the first entry whose label matches exactly. With duplicate
// labels the oldest backup wins, matching restore expectations.
func (r *Registry) Find(label string) (models.RegistryEntry, error) {
	entries, err := r.List()
	if err != nil {
		return models.RegistryEntry{}, err
	}
	for _, e := range entries {
		if e.Label == label {
			return e, nil
		}
	}
	return models.RegistryEntry{}, fmt.Errorf("label %q: %w", label, ErrNotFound)
}

// Issue describes one problem found by Verify
type Issue struct {
	Line    int    `json:"line"`
	Problem string `json:"problem"`
	Content string `json:"content"`
}

// Verify checks the catalog without mutating it and reports problems
// line by line.
func (r *Registry) Verify() ([]Issue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lines, err := r.readLines()
	if err != nil {
		return nil, err
	}

	var issues []Issue
	for i, line := range lines {
		num := i + 1
		parts := strings.Split(line, ";")
		if len(parts) < 5 {
			issues = append(issues, Issue{num, fmt.Sprintf("expected 5 fields, got %d", len(parts)), line})
			continue
		}
		if strings.TrimSpace(parts[1]) == "" {
			issues = append(issues, Issue{num, "empty label", line})
		}
		if idx, err := strconv.Atoi(parts[3]); err != nil {
			issues = append(issues, Issue{num, fmt.Sprintf("file index %q is not an integer", parts[3]), line})
		} else if idx < 0 {
			issues = append(issues, Issue{num, fmt.Sprintf("negative file index %d", idx), line})
		}
		manifest := strings.Join(parts[4:], ";")
		if _, err := os.Stat(manifest); err != nil {
			issues = append(issues, Issue{num, fmt.Sprintf("manifest missing: %s", manifest), line})
		}
	}
	return issues, nil
}

// backupLocked copies the catalog into the backup directory with a
// timestamped name plus a JSON export, then trims old copies. Caller
// holds the mutex.
func (r *Registry) backupLocked() (string, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read registry for backup: %w", err)
	}

	backupDir := filepath.Join(filepath.Dir(r.path), backupDirName)
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	stamp := time.Now().Format("20060102_150405")
	backupPath := filepath.Join(backupDir, fmt.Sprintf("registry_%s.csv", stamp))
	if err := os.WriteFile(backupPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write registry backup: %w", err)
	}

	if entries, err := r.readEntries(); err == nil {
		if jsonData, err := json.MarshalIndent(entries, "", "  "); err == nil {
			jsonPath := strings.TrimSuffix(backupPath, ".csv") + ".json"
			if err := os.WriteFile(jsonPath, jsonData, 0644); err != nil {
				r.logger.Warn("Failed to write JSON export", map[string]interface{}{"error": err.Error()})
			}
		}
	}

	r.trimBackupsLocked(backupDir)
	return backupPath, nil
}

func (r *Registry) trimBackupsLocked(backupDir string) {
	matches, err := filepath.Glob(filepath.Join(backupDir, "registry_*.csv"))
	if err != nil || len(matches) <= r.retention {
		return
	}
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-r.retention] {
		if err := os.Remove(old); err != nil {
			r.logger.Warn("Failed to remove old registry backup", map[string]interface{}{
				"path":  old,
				"error": err.Error(),
			})
		}
		os.Remove(strings.TrimSuffix(old, ".csv") + ".json")
	}
}

// Prune removes entries older than maxAgeDays after taking a backup copy.
// Lines with unparseable timestamps are kept. Returns the removed count.
func (r *Registry) Prune(maxAgeDays int) (int, error) {
	if maxAgeDays <= 0 {
		return 0, fmt.Errorf("max age must be positive, got %d", maxAgeDays)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	lines, err := r.readLines()
	if err != nil {
		return 0, err
	}
	if len(lines) == 0 {
		return 0, nil
	}

	if _, err := r.backupLocked(); err != nil {
		return 0, fmt.Errorf("refusing to prune without a backup: %w", err)
	}

	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)
	var kept []string
	removed := 0
	for _, line := range lines {
		entry, err := parseLine(line)
		if err != nil {
			// keep what we cannot interpret
			kept = append(kept, line)
			continue
		}
		if entry.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, line)
	}

	if err := r.rewriteLocked(kept); err != nil {
		return 0, err
	}

	r.logger.Info("Registry pruned", map[string]interface{}{
		"removed": removed,
		"kept":    len(kept),
	})
	return removed, nil
}

func (r *Registry) rewriteLocked(lines []string) error {
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(r.path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to rewrite registry: %w", err)
	}
	return nil
}

// RebuildFromManifests reconstructs the catalog from manifest filenames of
// the form <yyyymmdd>_<hhmm>_<label>.txt. The previous catalog is backed
// up first. Rebuilt entries get a placeholder tape set and file index 0
// since that information only exists in the original registry.
func (r *Registry) RebuildFromManifests(manifestDir string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(manifestDir, "*.txt"))
	if err != nil {
		return 0, fmt.Errorf("failed to list manifests: %w", err)
	}

	if _, err := r.backupLocked(); err != nil {
		return 0, fmt.Errorf("refusing to rebuild without a backup: %w", err)
	}

	sort.Strings(matches)
	var lines []string
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), ".txt")
		parts := strings.SplitN(name, "_", 3)
		if len(parts) < 3 {
			r.logger.Warn("Skipping manifest with unexpected name", map[string]interface{}{"path": m})
			continue
		}

		ts, err := time.Parse(manifestTimeLayout, parts[0]+"_"+parts[1])
		if err != nil {
			r.logger.Warn("Skipping manifest with bad timestamp", map[string]interface{}{
				"path":  m,
				"error": err.Error(),
			})
			continue
		}

		entry := models.RegistryEntry{
			Timestamp:    ts,
			Label:        parts[2],
			Tapes:        []string{"N/A"},
			FileIndex:    0,
			ManifestPath: m,
		}
		lines = append(lines, formatLine(entry))
	}

	if err := r.rewriteLocked(lines); err != nil {
		return 0, err
	}

	r.logger.Info("Registry rebuilt from manifests", map[string]interface{}{
		"entries": len(lines),
		"dir":     manifestDir,
	})
	return len(lines), nil
}

package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kingrea/lattice-batch/internal/monitor"
)

// ErrReportNotFound is returned when no persisted report matches.
var ErrReportNotFound = errors.New("engine: report not found")

// LatestFileName always holds the most recently saved report.
const LatestFileName = "latest.json"

// ReportStore persists final execution reports.
type ReportStore interface {
	Save(monitor.ExecutionReport) error
	Load(runID string) (monitor.ExecutionReport, error)
	Latest() (monitor.ExecutionReport, error)
}

// Repository stores one JSON file per run under dir plus latest.json.
type Repository struct {
	dir string
}

// NewRepository creates a repository rooted at dir (normally
// .lattice/state/reports).
func NewRepository(dir string) *Repository {
	return &Repository{dir: dir}
}

// Dir returns the directory reports are written to.
func (r *Repository) Dir() string {
	return r.dir
}

// Save writes the report as <run-id>.json and refreshes latest.json.
func (r *Repository) Save(report monitor.ExecutionReport) error {
	runID := strings.TrimSpace(report.RunID)
	if runID == "" {
		return fmt.Errorf("engine: report has no run id")
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	encoded = append(encoded, '\n')
	if err := writeFileAtomic(filepath.Join(r.dir, runID+".json"), encoded); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(r.dir, LatestFileName), encoded)
}

// Load reads the report saved for runID.
func (r *Repository) Load(runID string) (monitor.ExecutionReport, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" || strings.ContainsAny(runID, `/\`) {
		return monitor.ExecutionReport{}, fmt.Errorf("engine: invalid run id %q", runID)
	}
	return r.read(filepath.Join(r.dir, runID+".json"))
}

// Latest reads the most recently saved report.
func (r *Repository) Latest() (monitor.ExecutionReport, error) {
	return r.read(filepath.Join(r.dir, LatestFileName))
}

// RunIDs lists persisted run ids, oldest first by modification time.
func (r *Repository) RunIDs() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	type stamped struct {
		id    string
		mtime int64
	}
	var runs []stamped
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == LatestFileName || filepath.Ext(name) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		runs = append(runs, stamped{id: strings.TrimSuffix(name, ".json"), mtime: info.ModTime().UnixNano()})
	}
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].mtime == runs[j].mtime {
			return runs[i].id < runs[j].id
		}
		return runs[i].mtime < runs[j].mtime
	})
	ids := make([]string, len(runs))
	for i, run := range runs {
		ids[i] = run.id
	}
	return ids, nil
}

func (r *Repository) read(path string) (monitor.ExecutionReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return monitor.ExecutionReport{}, ErrReportNotFound
		}
		return monitor.ExecutionReport{}, err
	}
	var report monitor.ExecutionReport
	if err := json.Unmarshal(data, &report); err != nil {
		return monitor.ExecutionReport{}, fmt.Errorf("engine: decode %s: %w", path, err)
	}
	return report, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

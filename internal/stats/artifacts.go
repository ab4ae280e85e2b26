package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"sds/internal/engine"
	"sds/internal/model"
	"sds/internal/storage"
	"sds/internal/swarm"
)

const (
	runIndexFile = "run_index.json"

	configFile   = "config.json"
	summaryFile  = "summary.json"
	activityFile = "activity.csv"
	clustersFile = "clusters.json"
)

var activityHeader = []string{"iteration", "activity", "largest_share", "clusters", "live"}

// RunConfig records how a run was set up.
type RunConfig struct {
	RunID         string            `json:"run_id"`
	Problem       string            `json:"problem"`
	Agents        int               `json:"agents"`
	Mode          string            `json:"mode"`
	Diffusion     string            `json:"diffusion"`
	Test          string            `json:"test"`
	Halting       string            `json:"halting"`
	HaltingEvery  int               `json:"halting_every"`
	MaxIterations int               `json:"max_iterations"`
	ReportEvery   int               `json:"report_every"`
	Seed          int64             `json:"seed"`
	Params        map[string]string `json:"params,omitempty"`
}

type RunArtifacts[H comparable] struct {
	Config   RunConfig
	Summary  model.RunSummary
	Trace    []model.IterationRecord
	Snapshot swarm.Snapshot[H]
}

type RunIndexEntry struct {
	RunID        string  `json:"run_id"`
	Problem      string  `json:"problem"`
	Mode         string  `json:"mode"`
	Agents       int     `json:"agents"`
	Seed         int64   `json:"seed"`
	Iterations   int     `json:"iterations"`
	Reason       string  `json:"reason"`
	Activity     float64 `json:"activity"`
	LargestShare float64 `json:"largest_share"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

// NewRunSummary condenses a finished run.
func NewRunSummary[H comparable](cfg RunConfig, res engine.Result[H], agents int, started time.Time) model.RunSummary {
	removed := 0
	for _, n := range res.Removals {
		removed += n
	}
	return model.RunSummary{
		VersionedRecord: storage.CurrentVersion(),
		RunID:           res.RunID,
		Mode:            cfg.Mode,
		Diffusion:       cfg.Diffusion,
		Test:            cfg.Test,
		Halting:         cfg.Halting,
		Agents:          agents,
		Iterations:      res.Iterations,
		Reason:          string(res.Reason),
		Activity:        res.Activity,
		LargestShare:    res.Largest.Share,
		Clusters:        res.Clusters.Len(),
		Removed:         removed,
		ElapsedSeconds:  res.Elapsed.Seconds(),
		StartedAt:       started.UTC(),
	}
}

// IndexEntry builds the run index line for a summary.
func IndexEntry(cfg RunConfig, summary model.RunSummary) RunIndexEntry {
	return RunIndexEntry{
		RunID:        summary.RunID,
		Problem:      cfg.Problem,
		Mode:         summary.Mode,
		Agents:       summary.Agents,
		Seed:         cfg.Seed,
		Iterations:   summary.Iterations,
		Reason:       summary.Reason,
		Activity:     summary.Activity,
		LargestShare: summary.LargestShare,
		CreatedAtUTC: summary.StartedAt.UTC().Format(time.RFC3339Nano),
	}
}

// WriteRunArtifacts writes config.json, summary.json, activity.csv and
// clusters.json under baseDir/<run id> and returns that directory.
func WriteRunArtifacts[H comparable](baseDir string, artifacts RunArtifacts[H]) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, summaryFile), artifacts.Summary); err != nil {
		return "", err
	}
	if err := WriteActivity(runDir, artifacts.Trace); err != nil {
		return "", err
	}
	if err := storage.WriteSnapshotFile(filepath.Join(runDir, clustersFile), artifacts.Snapshot); err != nil {
		return "", err
	}
	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := readRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns index entries newest first. Entries with equal
// timestamps keep the most recently appended one first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	entries, err := readRunIndex(baseDir)
	if err != nil {
		return nil, err
	}
	slices.Reverse(entries)
	slices.SortStableFunc(entries, func(a, b RunIndexEntry) int {
		ta, errA := time.Parse(time.RFC3339Nano, a.CreatedAtUTC)
		tb, errB := time.Parse(time.RFC3339Nano, b.CreatedAtUTC)
		if errA != nil || errB != nil {
			return strings.Compare(b.CreatedAtUTC, a.CreatedAtUTC)
		}
		return tb.Compare(ta)
	})
	return entries, nil
}

func readRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}
	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ExportRunArtifacts copies a run directory's artifacts into outDir.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{configFile, summaryFile, activityFile, clustersFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, configFile), &cfg)
	return cfg, ok, err
}

func ReadRunSummary(baseDir, runID string) (model.RunSummary, bool, error) {
	var summary model.RunSummary
	ok, err := readJSON(filepath.Join(baseDir, runID, summaryFile), &summary)
	return summary, ok, err
}

func ReadClusters[H comparable](baseDir, runID string) (swarm.Snapshot[H], bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, clustersFile))
	if err != nil {
		if os.IsNotExist(err) {
			return swarm.Snapshot[H]{}, false, nil
		}
		return swarm.Snapshot[H]{}, false, err
	}
	defer file.Close()

	snap, err := storage.ReadSnapshot[H](file)
	if err != nil {
		return swarm.Snapshot[H]{}, false, fmt.Errorf("read clusters %s: %w", runID, err)
	}
	return snap, true, nil
}

// WriteActivity writes the trace as activity.csv in runDir.
func WriteActivity(runDir string, trace []model.IterationRecord) error {
	file, err := os.Create(filepath.Join(runDir, activityFile))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(activityHeader); err != nil {
		return err
	}
	for _, rec := range trace {
		if err := writer.Write([]string{
			strconv.Itoa(rec.Iteration),
			strconv.FormatFloat(rec.Activity, 'f', -1, 64),
			strconv.FormatFloat(rec.LargestShare, 'f', -1, 64),
			strconv.Itoa(rec.Clusters),
			strconv.Itoa(rec.Live),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Sync()
}

func ReadActivity(baseDir, runID string) ([]model.IterationRecord, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, activityFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []model.IterationRecord{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < len(activityHeader) {
		return nil, false, fmt.Errorf("activity header must have %d columns", len(activityHeader))
	}

	trace := make([]model.IterationRecord, 0, 128)
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		rec, err := parseActivityRow(row)
		if err != nil {
			return nil, false, fmt.Errorf("activity row %d: %w", len(trace)+1, err)
		}
		trace = append(trace, rec)
	}
	return trace, true, nil
}

func parseActivityRow(row []string) (model.IterationRecord, error) {
	var (
		rec model.IterationRecord
		err error
	)
	if rec.Iteration, err = strconv.Atoi(row[0]); err != nil {
		return rec, err
	}
	if rec.Activity, err = strconv.ParseFloat(row[1], 64); err != nil {
		return rec, err
	}
	if rec.LargestShare, err = strconv.ParseFloat(row[2], 64); err != nil {
		return rec, err
	}
	if rec.Clusters, err = strconv.Atoi(row[3]); err != nil {
		return rec, err
	}
	if rec.Live, err = strconv.Atoi(row[4]); err != nil {
		return rec, err
	}
	return rec, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func readJSON(path string, value any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, err
	}
	return true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

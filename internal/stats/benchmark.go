package stats

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"sds/internal/model"
)

const benchmarksDir = "benchmarks"

// BenchmarkRun is the outcome of one seeded run in a benchmark.
type BenchmarkRun struct {
	RunID        string  `json:"run_id"`
	Seed         int64   `json:"seed"`
	Iterations   int     `json:"iterations"`
	Reason       string  `json:"reason"`
	Success      bool    `json:"success"`
	Activity     float64 `json:"activity"`
	LargestShare float64 `json:"largest_share"`
}

type BenchmarkStats struct {
	TotalRuns     int            `json:"total_runs"`
	SuccessRuns   int            `json:"success_runs"`
	SuccessRate   float64        `json:"success_rate"`
	AvgIterations float64        `json:"avg_iterations"`
	StdIterations float64        `json:"std_iterations"`
	MinIterations float64        `json:"min_iterations"`
	MaxIterations float64        `json:"max_iterations"`
	AvgActivity   float64        `json:"avg_activity"`
	Runs          []BenchmarkRun `json:"runs"`
}

type BenchmarkReport struct {
	ID          string         `json:"id"`
	GeneratedAt string         `json:"generated_at_utc"`
	Config      RunConfig      `json:"config"`
	Stats       BenchmarkStats `json:"stats"`
	Activity    []PlotPoint    `json:"activity"`
}

type PlotPoint struct {
	Iteration int     `json:"iteration"`
	Value     float64 `json:"value"`
}

// BenchmarkRunFromSummary marks a run successful when its halting
// predicate fired.
func BenchmarkRunFromSummary(seed int64, s model.RunSummary) BenchmarkRun {
	return BenchmarkRun{
		RunID:        s.RunID,
		Seed:         seed,
		Iterations:   s.Iterations,
		Reason:       s.Reason,
		Success:      s.Reason == "halted",
		Activity:     s.Activity,
		LargestShare: s.LargestShare,
	}
}

// BuildBenchmarkStats aggregates runs. Iteration statistics cover
// successful runs only.
func BuildBenchmarkStats(runs []BenchmarkRun) BenchmarkStats {
	result := BenchmarkStats{
		TotalRuns: len(runs),
		Runs:      append([]BenchmarkRun(nil), runs...),
	}
	iterations := make([]float64, 0, len(runs))
	activity := make([]float64, 0, len(runs))
	for _, run := range runs {
		activity = append(activity, run.Activity)
		if run.Success {
			result.SuccessRuns++
			iterations = append(iterations, float64(run.Iterations))
		}
	}
	if result.TotalRuns > 0 {
		result.SuccessRate = float64(result.SuccessRuns) / float64(result.TotalRuns)
		result.AvgActivity, _ = meanStd(activity)
	}
	if len(iterations) > 0 {
		result.AvgIterations, result.StdIterations = meanStd(iterations)
		result.MinIterations = iterations[0]
		result.MaxIterations = iterations[0]
		for _, value := range iterations[1:] {
			result.MinIterations = min(result.MinIterations, value)
			result.MaxIterations = max(result.MaxIterations, value)
		}
	}
	return result
}

// AverageActivity averages activity per reported iteration across traces.
// Traces may have different lengths; each point averages the traces that
// reached it.
func AverageActivity(traces [][]model.IterationRecord) []PlotPoint {
	longest := 0
	for _, trace := range traces {
		longest = max(longest, len(trace))
	}
	points := make([]PlotPoint, 0, longest)
	for i := range longest {
		values := make([]float64, 0, len(traces))
		iteration := 0
		for _, trace := range traces {
			if i < len(trace) {
				values = append(values, trace[i].Activity)
				iteration = trace[i].Iteration
			}
		}
		avg, _ := meanStd(values)
		points = append(points, PlotPoint{Iteration: iteration, Value: avg})
	}
	return points
}

// WriteBenchmarkReport writes baseDir/benchmarks/<id>.json.
func WriteBenchmarkReport(baseDir string, report BenchmarkReport) (string, error) {
	if report.ID == "" {
		return "", fmt.Errorf("benchmark id is required")
	}
	dir := filepath.Join(baseDir, benchmarksDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if report.GeneratedAt == "" {
		report.GeneratedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	path := filepath.Join(dir, report.ID+".json")
	if err := writeJSON(path, report); err != nil {
		return "", err
	}
	return path, nil
}

func ReadBenchmarkReport(baseDir, id string) (BenchmarkReport, bool, error) {
	var report BenchmarkReport
	ok, err := readJSON(filepath.Join(baseDir, benchmarksDir, id+".json"), &report)
	return report, ok, err
}

// meanStd returns the mean and population standard deviation.
func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	acc := 0.0
	for _, v := range values {
		acc += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(acc / float64(len(values)))
}

package ui

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shaneisley/fetchplanner/pkg/loadtest"
	"github.com/shaneisley/fetchplanner/pkg/recorder"
)

// Reporter handles status reporting and terminal output
type Reporter struct {
	mu     sync.Mutex
	writer io.Writer
	quiet  bool
}

// NewReporter creates a new status reporter
func NewReporter(writer io.Writer) *Reporter {
	return &Reporter{
		writer: writer,
		quiet:  false,
	}
}

// SetQuiet enables or disables quiet mode (suppresses real-time messages)
func (r *Reporter) SetQuiet(quiet bool) {
	r.mu.Lock()
	r.quiet = quiet
	r.mu.Unlock()
}

// Retry reports an application-level retry. Its signature matches
// retry.Transport.OnRetry.
func (r *Reporter) Retry(req *http.Request, attempt int, delay time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.quiet {
		return
	}

	var builder strings.Builder
	builder.WriteString("[fetchplanner] ")
	builder.WriteString(req.Method)
	builder.WriteByte(' ')
	builder.WriteString(req.URL.String())
	builder.WriteString(" attempt ")
	builder.WriteString(strconv.Itoa(attempt))
	builder.WriteString(" failed (")
	builder.WriteString(err.Error())
	builder.WriteString("). Retrying in ")
	builder.WriteString(formatDuration(delay))
	builder.WriteString(".\n")

	fmt.Fprint(r.writer, builder.String())
}

// Result reports a finished load-test request. Only failures are printed.
func (r *Reporter) Result(res loadtest.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.quiet {
		return
	}

	switch {
	case res.Err != nil:
		fmt.Fprintf(r.writer, "❌ [fetchplanner] request %d %s failed: %v\n", res.Index, res.URL, res.Err)
	case res.StatusCode >= 300:
		fmt.Fprintf(r.writer, "❌ [fetchplanner] request %d %s returned %d\n", res.Index, res.URL, res.StatusCode)
	}
}

// LoadTestSummary reports the outcome of a load-test run
func (r *Reporter) LoadTestSummary(runID string, s *loadtest.Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.Failed == 0 && s.SlotErrors == 0 {
		fmt.Fprintf(r.writer, "✅ [fetchplanner] %d requests succeeded in %s.\n", s.OK, formatDuration(s.Duration))
	} else {
		fmt.Fprintf(r.writer, "❌ [fetchplanner] %d of %d requests failed in %s.\n",
			s.Failed+s.SlotErrors, s.Requests+s.SlotErrors, formatDuration(s.Duration))
	}

	fmt.Fprintf(r.writer, "\nLoad Test Statistics:\n")
	if runID != "" {
		fmt.Fprintf(r.writer, "  Run ID: %s\n", runID)
	}
	fmt.Fprintf(r.writer, "  Requests: %d\n", s.Requests)
	fmt.Fprintf(r.writer, "  Succeeded: %d\n", s.OK)
	fmt.Fprintf(r.writer, "  Failed: %d\n", s.Failed)
	if s.SlotErrors > 0 {
		fmt.Fprintf(r.writer, "  Slot Wait Errors: %d\n", s.SlotErrors)
	}
	fmt.Fprintf(r.writer, "  Status Codes: %s\n", formatStatusCodes(s.StatusCodes))
	fmt.Fprintf(r.writer, "  Average Latency: %s\n", formatDuration(s.AvgLatency()))
	fmt.Fprintf(r.writer, "  Max Latency: %s\n", formatDuration(s.MaxLatency))
	fmt.Fprintf(r.writer, "  Max Queue Length: %d\n", s.MaxQueueLength)
	fmt.Fprintf(r.writer, "  Max In Flight: %d\n", s.MaxInflight)
	fmt.Fprintf(r.writer, "  Lowest Parallel Limit Correction: %d\n", s.MinCorrection)
	for _, e := range s.Errors {
		fmt.Fprintf(r.writer, "  Error: %s\n", e)
	}
}

// RunSummary reports a recorded run
func (r *Reporter) RunSummary(s *recorder.Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintf(r.writer, "Run %s (%s)\n", s.Run.ID, s.Run.Process)
	fmt.Fprintf(r.writer, "  Started: %s\n", s.Run.StartedAt.Format(time.RFC3339))
	if !s.Run.FinishedAt.IsZero() {
		fmt.Fprintf(r.writer, "  Finished: %s (%s)\n", s.Run.FinishedAt.Format(time.RFC3339),
			formatDuration(s.Run.FinishedAt.Sub(s.Run.StartedAt)))
	}
	fmt.Fprintf(r.writer, "  Requests: %d\n", s.Requests)

	types := make([]string, 0, len(s.Responses))
	for t := range s.Responses {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(r.writer, "  %s: %d\n", t, s.Responses[t])
	}

	fmt.Fprintf(r.writer, "  Fetch Errors: %d\n", s.FetchErrors)
	fmt.Fprintf(r.writer, "  Average Latency: %s\n", formatDuration(s.AvgLatency))
	fmt.Fprintf(r.writer, "  Max Latency: %s\n", formatDuration(s.MaxLatency))
	fmt.Fprintf(r.writer, "  Max Queue Length: %d\n", s.MaxQueueLength)
	fmt.Fprintf(r.writer, "  Max In Flight: %d\n", s.MaxInflight)
	fmt.Fprintf(r.writer, "  Lowest Parallel Limit Correction: %d\n", s.MinCorrection)
}

// RunList reports stored runs, one per line
func (r *Reporter) RunList(runs []recorder.RunInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(runs) == 0 {
		fmt.Fprintln(r.writer, "No runs recorded.")
		return
	}
	for _, run := range runs {
		fmt.Fprintf(r.writer, "%s  %s  %-12s %d events\n",
			run.ID, run.StartedAt.Format(time.RFC3339), run.Process, run.Events)
	}
}

func formatStatusCodes(codes map[int]int) string {
	if len(codes) == 0 {
		return "none"
	}
	keys := make([]int, 0, len(codes))
	for code := range codes {
		keys = append(keys, code)
	}
	sort.Ints(keys)

	parts := make([]string, 0, len(keys))
	for _, code := range keys {
		parts = append(parts, fmt.Sprintf("%d=%d", code, codes[code]))
	}
	return strings.Join(parts, ", ")
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	// Handle sub-second durations
	if d < time.Second {
		if d < 100*time.Millisecond {
			return fmt.Sprintf("%dms", d.Milliseconds())
		}
		return fmt.Sprintf("%.1fs", float64(d)/float64(time.Second))
	}

	// Handle durations with fractional seconds
	if d < time.Minute {
		seconds := float64(d) / float64(time.Second)
		if seconds == float64(int(seconds)) {
			return fmt.Sprintf("%.0fs", seconds)
		}
		formatted := fmt.Sprintf("%.2f", seconds)
		formatted = strings.TrimRight(formatted, "0")
		formatted = strings.TrimRight(formatted, ".")
		return formatted + "s"
	}

	// Handle longer durations
	hours := d / time.Hour
	minutes := (d % time.Hour) / time.Minute
	seconds := (d % time.Minute) / time.Second

	if hours > 0 {
		if minutes > 0 && seconds > 0 {
			return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
		} else if minutes > 0 {
			return fmt.Sprintf("%dh%dm", hours, minutes)
		} else if seconds > 0 {
			return fmt.Sprintf("%dh%ds", hours, seconds)
		}
		return fmt.Sprintf("%dh", hours)
	}

	if minutes > 0 {
		if seconds > 0 {
			return fmt.Sprintf("%dm%ds", minutes, seconds)
		}
		return fmt.Sprintf("%dm", minutes)
	}

	return fmt.Sprintf("%ds", seconds)
}

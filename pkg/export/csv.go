// Package export writes consolidated query results to CSV files and
// removes them once they expire.
package export

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/syntor/querybot/pkg/consolidate"
	"github.com/syntor/querybot/pkg/logging"
	"github.com/syntor/querybot/pkg/metrics"
)

const megabyte = 1024 * 1024

// ErrEmpty is returned when there are no rows to write
var ErrEmpty = errors.New("cannot generate CSV from empty record set")

// TooLargeError reports a file that exceeded the size limit. The file has
// already been removed.
type TooLargeError struct {
	Size  int64
	Limit int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("Generated CSV file is too large (%.1fMB). Maximum allowed is %dMB. Try filtering your query to return fewer results.",
		float64(e.Size)/megabyte, e.Limit/megabyte)
}

// Config configures a CSVWriter
type Config struct {
	Dir          string
	MaxBytes     int64
	CleanupAfter time.Duration
}

// DefaultConfig mirrors the default export settings
func DefaultConfig() Config {
	return Config{
		Dir:          filepath.Join(os.TempDir(), "querybot_files"),
		MaxBytes:     50 * megabyte,
		CleanupAfter: time.Hour,
	}
}

// File describes a written CSV file
type File struct {
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	Size      int64     `json:"size_bytes"`
	Rows      int       `json:"rows"`
	Columns   int       `json:"columns"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StorageStats summarises the export directory
type StorageStats struct {
	Dir          string        `json:"storage_path"`
	TotalFiles   int           `json:"total_files"`
	CSVFiles     int           `json:"csv_files"`
	TotalBytes   int64         `json:"total_size_bytes"`
	MaxFileBytes int64         `json:"max_file_size_bytes"`
	CleanupAfter time.Duration `json:"cleanup_after"`
}

// CSVWriter writes tables to CSV files in Dir and removes each file
// CleanupAfter after it was written.
type CSVWriter struct {
	config  Config
	logger  logging.Logger
	metrics metrics.Collector
	now     func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewCSVWriter creates the export directory if needed
func NewCSVWriter(config Config, logger logging.Logger, collector metrics.Collector) (*CSVWriter, error) {
	defaults := DefaultConfig()
	if config.Dir == "" {
		config.Dir = defaults.Dir
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = defaults.MaxBytes
	}
	if config.CleanupAfter <= 0 {
		config.CleanupAfter = defaults.CleanupAfter
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if collector == nil {
		collector = metrics.NewNopCollector()
	}

	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	return &CSVWriter{
		config:  config,
		logger:  logger.With(logging.String("component", "export")),
		metrics: collector,
		now:     time.Now,
		timers:  make(map[string]*time.Timer),
	}, nil
}

// Dir returns the export directory
func (w *CSVWriter) Dir() string {
	return w.config.Dir
}

// Write stores table as a CSV file named after query and schedules its
// removal. Every field is quoted.
func (w *CSVWriter) Write(ctx context.Context, query string, table consolidate.Table) (*File, error) {
	if table.Len() == 0 || len(table.Columns) == 0 {
		return nil, ErrEmpty
	}

	now := w.now()
	f, name, err := w.create(query, now)
	if err != nil {
		w.metrics.IncrementCounter(metrics.ExportedFiles.Name, metrics.Labels("status", "error"))
		return nil, err
	}
	path := filepath.Join(w.config.Dir, name)
	logger := w.logger.WithContext(ctx).With(logging.String("filename", name))

	logger.Info("Generating CSV file",
		logging.Int("rows", table.Len()),
		logging.Int("columns", len(table.Columns)),
		logging.String("query_preview", preview(query, 50)),
	)

	size, err := writeTable(ctx, f, table)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to write CSV file: %w", cerr)
	}
	if err == nil && size > w.config.MaxBytes {
		err = &TooLargeError{Size: size, Limit: w.config.MaxBytes}
	}
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logger.Warn("Failed to remove partial CSV file", logging.Err(rmErr))
		}
		status := "error"
		var tooLarge *TooLargeError
		if errors.As(err, &tooLarge) {
			status = "too_large"
		}
		w.metrics.IncrementCounter(metrics.ExportedFiles.Name, metrics.Labels("status", status))
		logger.Error("CSV generation failed", logging.Err(err))
		return nil, err
	}

	w.scheduleCleanup(path)
	w.metrics.IncrementCounter(metrics.ExportedFiles.Name, metrics.Labels("status", "written"))
	logger.Info("CSV file generated successfully",
		logging.String("path", path),
		logging.Int64("size_bytes", size),
	)

	return &File{
		Path:      path,
		Name:      name,
		Size:      size,
		Rows:      table.Len(),
		Columns:   len(table.Columns),
		CreatedAt: now,
		ExpiresAt: now.Add(w.config.CleanupAfter),
	}, nil
}

const createAttempts = 3

// create opens a new, previously nonexistent export file. Identical queries
// in the same second get distinct names.
func (w *CSVWriter) create(query string, now time.Time) (*os.File, string, error) {
	var err error
	for i := 0; i < createAttempts; i++ {
		name := fileName(query, now)
		var f *os.File
		f, err = os.OpenFile(filepath.Join(w.config.Dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, name, nil
		}
		if !errors.Is(err, os.ErrExist) {
			break
		}
	}
	return nil, "", fmt.Errorf("failed to create CSV file: %w", err)
}

func fileName(query string, now time.Time) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if query == "" {
		return "data_export_" + id + ".csv"
	}
	sum := md5.Sum([]byte(query))
	return fmt.Sprintf("query_results_%s_%s_%s.csv", hex.EncodeToString(sum[:])[:8], now.Format("20060102_150405"), id)
}

// preview shortens s to n runes
func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func writeTable(ctx context.Context, f *os.File, table consolidate.Table) (int64, error) {
	buf := bufio.NewWriter(f)
	fields := make([]string, len(table.Columns))

	copy(fields, table.Columns)
	if err := writeRow(buf, fields); err != nil {
		return 0, err
	}

	for i, rec := range table.Records {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		for j, col := range table.Columns {
			fields[j] = FormatValue(rec[col])
		}
		if err := writeRow(buf, fields); err != nil {
			return 0, err
		}
	}

	if err := buf.Flush(); err != nil {
		return 0, fmt.Errorf("failed to write CSV file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// writeRow quotes every field and terminates the row with \n
func writeRow(w *bufio.Writer, fields []string) error {
	for i, field := range fields {
		if i > 0 {
			if err := w.WriteByte(','); err != nil {
				return err
			}
		}
		if _, err := w.WriteString(`"` + strings.ReplaceAll(field, `"`, `""`) + `"`); err != nil {
			return err
		}
	}
	return w.WriteByte('\n')
}

// FormatValue renders a cell. Whole numbers print without a fraction,
// other floats keep six significant digits and nested values become JSON.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float32:
		return formatFloat(float64(x))
	case float64:
		return formatFloat(x)
	case json.Number:
		return x.String()
	case time.Time:
		return x.Format(time.RFC3339)
	case map[string]any, []any:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	default:
		return fmt.Sprint(x)
	}
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatFloat(f, 'f', 0, 64)
	}
	return strconv.FormatFloat(f, 'g', 6, 64)
}

func (w *CSVWriter) scheduleCleanup(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if old, ok := w.timers[path]; ok {
		old.Stop()
	}
	w.timers[path] = time.AfterFunc(w.config.CleanupAfter, func() {
		w.expire(path)
	})
}

func (w *CSVWriter) expire(path string) {
	w.mu.Lock()
	delete(w.timers, path)
	w.mu.Unlock()

	if err := os.Remove(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.logger.Error("Failed to clean up file", logging.String("path", path), logging.Err(err))
		}
		return
	}
	w.metrics.IncrementCounter(metrics.ExportedFiles.Name, metrics.Labels("status", "expired"))
	w.logger.Info("Cleaned up file", logging.String("path", path))
}

// Pending returns the number of files waiting for scheduled removal
func (w *CSVWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timers)
}

// Sweep removes CSV files in the export directory older than CleanupAfter.
// It catches files left behind by a previous process.
func (w *CSVWriter) Sweep() (int, error) {
	matches, err := filepath.Glob(filepath.Join(w.config.Dir, "*.csv"))
	if err != nil {
		return 0, err
	}

	cutoff := w.now().Add(-w.config.CleanupAfter)
	removed := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			w.logger.Warn("Failed to clean up expired file", logging.String("path", path), logging.Err(err))
			continue
		}
		removed++
		w.metrics.IncrementCounter(metrics.ExportedFiles.Name, metrics.Labels("status", "expired"))
	}

	w.logger.Info("Expired file sweep completed", logging.Int("removed", removed))
	return removed, nil
}

// StartSweeper runs Sweep on a cron schedule such as "@every 15m".
// The returned function stops the schedule and waits for a running sweep.
func (w *CSVWriter) StartSweeper(schedule string) (func(), error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := w.Sweep(); err != nil {
			w.logger.Error("Expired file sweep failed", logging.Err(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}

// Stats walks the export directory
func (w *CSVWriter) Stats() (StorageStats, error) {
	stats := StorageStats{
		Dir:          w.config.Dir,
		MaxFileBytes: w.config.MaxBytes,
		CleanupAfter: w.config.CleanupAfter,
	}
	err := filepath.WalkDir(w.config.Dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		stats.TotalFiles++
		stats.TotalBytes += info.Size()
		if filepath.Ext(path) == ".csv" {
			stats.CSVFiles++
		}
		return nil
	})
	return stats, err
}

// Close cancels pending removals. Files already written stay on disk for
// the next Sweep.
func (w *CSVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	w.closed = true
	return nil
}

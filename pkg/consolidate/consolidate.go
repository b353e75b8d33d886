// Package consolidate flattens heterogeneous tool payloads into a single
// record set that can be summarised and exported.
package consolidate

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/syntor/querybot/pkg/retrieval"
)

// Metadata columns added to every record
const (
	SourceToolColumn = "_source_tool"
	SourceStepColumn = "_source_step"
)

// LargeDataset is the row count above which the summary suggests filtering
const LargeDataset = 1000

// Record is one row of consolidated output
type Record map[string]any

// Table is a record set with a fixed column order. Missing values are "".
type Table struct {
	Columns []string
	Records []Record
}

// Len returns the number of rows
func (t Table) Len() int {
	return len(t.Records)
}

// Combine walks successful steps and tools in id order and collects every
// record their payloads carry.
func Combine(results retrieval.Results) []Record {
	records := make([]Record, 0)
	for _, stepID := range results.StepIDs() {
		step := results[stepID]
		if step == nil || !step.Success {
			continue
		}

		tools := make([]string, 0, len(step.Data))
		for name := range step.Data {
			tools = append(tools, name)
		}
		sort.Strings(tools)

		for _, tool := range tools {
			tr := step.Data[tool]
			if !tr.Success || tr.Data == nil {
				continue
			}
			records = append(records, fromPayload(tr.Data, retrieval.ToolName(tool), stepID)...)
		}
	}
	return records
}

// fromPayload accepts a list of objects, a {"data": [...]} wrapper, a
// {"rows", "columns"} table, a single object or a scalar.
func fromPayload(data any, tool, step string) []Record {
	tag := func(r Record) Record {
		r[SourceToolColumn] = tool
		r[SourceStepColumn] = step
		return r
	}

	switch d := data.(type) {
	case []any:
		out := make([]Record, 0, len(d))
		for _, item := range d {
			if obj, ok := item.(map[string]any); ok {
				out = append(out, tag(copyRecord(obj)))
			}
		}
		return out

	case map[string]any:
		if inner, ok := d["data"].([]any); ok {
			return fromPayload(inner, tool, step)
		}
		if rows, ok := d["rows"].([]any); ok {
			if cols, ok := d["columns"].([]any); ok {
				return fromTable(rows, cols, tag)
			}
		}
		return []Record{tag(copyRecord(d))}

	default:
		return []Record{tag(Record{"value": fmt.Sprint(d)})}
	}
}

func fromTable(rows, cols []any, tag func(Record) Record) []Record {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = fmt.Sprint(c)
	}

	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		values, ok := row.([]any)
		if !ok || len(values) != len(names) {
			continue
		}
		rec := make(Record, len(names)+2)
		for i, name := range names {
			rec[name] = values[i]
		}
		out = append(out, tag(rec))
	}
	return out
}

func copyRecord(src map[string]any) Record {
	rec := make(Record, len(src)+2)
	for k, v := range src {
		rec[k] = v
	}
	return rec
}

// Tabulate fixes the column order, drops columns and rows with no values
// and fills the gaps with "".
func Tabulate(records []Record) Table {
	columns := Columns(records)

	out := make([]Record, 0, len(records))
	for _, rec := range records {
		row := make(Record, len(columns))
		filled := false
		for _, col := range columns {
			v, ok := rec[col]
			if !ok || empty(v) {
				row[col] = ""
				continue
			}
			row[col] = v
			filled = true
		}
		if filled {
			out = append(out, row)
		}
	}
	return Table{Columns: columns, Records: out}
}

// Columns returns every column holding at least one value, in first-seen
// order, with metadata columns last.
func Columns(records []Record) []string {
	var data, meta []string
	seen := make(map[string]bool)

	for _, rec := range records {
		keys := make([]string, 0, len(rec))
		for k := range rec {
			keys = append(keys, k)
		}
		// map order is random; sort so first-seen is stable within a record
		sort.Strings(keys)

		for _, k := range keys {
			if seen[k] || empty(rec[k]) {
				continue
			}
			seen[k] = true
			if strings.HasPrefix(k, "_") {
				meta = append(meta, k)
			} else {
				data = append(data, k)
			}
		}
	}
	return append(data, meta...)
}

func empty(v any) bool {
	switch s := v.(type) {
	case nil:
		return true
	case string:
		return s == ""
	}
	return false
}

// Summary describes a table in a sentence or four
func Summary(t Table) string {
	p := message.NewPrinter(language.English)
	parts := []string{
		p.Sprintf("Found %d records with %d columns for your query.", t.Len(), len(t.Columns)),
	}

	var data []string
	for _, col := range t.Columns {
		if !strings.HasPrefix(col, "_") {
			data = append(data, col)
		}
	}
	if len(data) > 0 {
		text := strings.Join(data, ", ")
		if len(data) > 5 {
			text = strings.Join(data[:5], ", ") + fmt.Sprintf(", and %d more", len(data)-5)
		}
		parts = append(parts, "Data includes: "+text+".")
	}

	if sources := t.distinct(SourceToolColumn); len(sources) == 1 {
		parts = append(parts, "Data retrieved from: "+sources[0]+".")
	} else if len(sources) > 1 {
		parts = append(parts, fmt.Sprintf("Data retrieved from %d sources: %s.", len(sources), strings.Join(sources, ", ")))
	}

	switch {
	case t.Len() > LargeDataset:
		parts = append(parts, "This is a large dataset - you may want to filter or aggregate the data for analysis.")
	case t.Len() == 0:
		parts = append(parts, "No data found matching your criteria. Try adjusting your query parameters.")
	}

	return strings.Join(parts, " ")
}

// distinct returns the values of col in order of first appearance
func (t Table) distinct(col string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, rec := range t.Records {
		v, ok := rec[col]
		if !ok || empty(v) {
			continue
		}
		s := fmt.Sprint(v)
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

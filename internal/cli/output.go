package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/syntor/querybot/pkg/models"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	rule := make([]string, len(headers))
	for i, h := range headers {
		rule[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(rule, "\t"))
	return tw
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// readRequest loads a query request from path, or stdin when path is "-".
// A file holding only an intent is wrapped in a request.
func readRequest(path string, stdin io.Reader) (models.QueryRequest, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return models.QueryRequest{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return models.QueryRequest{}, fmt.Errorf("invalid request JSON: %w", err)
	}

	var req models.QueryRequest
	if _, ok := probe["intent"]; ok {
		err = json.Unmarshal(data, &req)
	} else {
		err = json.Unmarshal(data, &req.Intent)
	}
	if err != nil {
		return models.QueryRequest{}, fmt.Errorf("invalid request JSON: %w", err)
	}
	return req, nil
}

func parsePriority(s string) (models.TaskPriority, error) {
	switch strings.ToLower(s) {
	case "low":
		return models.LowPriority, nil
	case "", "normal":
		return models.NormalPriority, nil
	case "high":
		return models.HighPriority, nil
	case "critical":
		return models.CriticalPriority, nil
	default:
		return 0, fmt.Errorf("unknown priority %q (low, normal, high, critical)", s)
	}
}

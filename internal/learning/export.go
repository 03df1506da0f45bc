package learning

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Exporter renders pattern records for external consumption.
type Exporter interface {
	Export(records []*PatternRecord) (string, error)
}

// NewExporter returns the exporter for a format name: json, csv or markdown.
func NewExporter(format string) (Exporter, error) {
	switch strings.ToLower(format) {
	case "json":
		return &JSONExporter{Pretty: true}, nil
	case "csv":
		return &CSVExporter{}, nil
	case "markdown", "md":
		return &MarkdownExporter{IncludeTimestamp: true}, nil
	default:
		return nil, fmt.Errorf("unknown export format %q (want json, csv or markdown)", format)
	}
}

type exportRecord struct {
	Kind        string          `json:"kind"`
	Platform    string          `json:"platform"`
	Driver      string          `json:"driver"`
	Attempts    int             `json:"attempts"`
	Successes   int             `json:"successes"`
	Failures    int             `json:"failures"`
	SuccessRate float64         `json:"success_rate"`
	LastUpdated time.Time       `json:"last_updated"`
	Recent      []exportOutcome `json:"recent,omitempty"`
}

type exportOutcome struct {
	Success    bool      `json:"success"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

func toExportRecord(rec *PatternRecord) exportRecord {
	rate, _ := rec.SuccessRate()
	out := exportRecord{
		Kind:        string(rec.Key.Kind),
		Platform:    rec.Key.Platform,
		Driver:      rec.Key.Driver,
		Attempts:    rec.Attempts,
		Successes:   rec.Successes,
		Failures:    rec.Failures,
		SuccessRate: rate,
		LastUpdated: rec.LastUpdated,
	}
	for _, o := range rec.Recent {
		out.Recent = append(out.Recent, exportOutcome{
			Success:    o.Success,
			ErrorKind:  string(o.ErrorKind),
			DurationMS: o.Duration.Milliseconds(),
			Timestamp:  o.Timestamp,
		})
	}
	return out
}

// JSONExporter renders records as a JSON array, including recent outcomes.
type JSONExporter struct {
	Pretty bool
}

// Export implements Exporter.
func (e *JSONExporter) Export(records []*PatternRecord) (string, error) {
	out := make([]exportRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, toExportRecord(rec))
	}

	var data []byte
	var err error
	if e.Pretty {
		data, err = json.MarshalIndent(out, "", "  ")
	} else {
		data, err = json.Marshal(out)
	}
	if err != nil {
		return "", fmt.Errorf("failed to marshal records: %w", err)
	}
	return string(data), nil
}

// CSVExporter renders one row per pattern; recent outcomes are omitted.
type CSVExporter struct{}

// Export implements Exporter.
func (e *CSVExporter) Export(records []*PatternRecord) (string, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)

	header := []string{"kind", "platform", "driver", "attempts", "successes", "failures", "success_rate", "last_updated"}
	if err := w.Write(header); err != nil {
		return "", fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, rec := range records {
		rate, _ := rec.SuccessRate()
		row := []string{
			string(rec.Key.Kind),
			rec.Key.Platform,
			rec.Key.Driver,
			strconv.Itoa(rec.Attempts),
			strconv.Itoa(rec.Successes),
			strconv.Itoa(rec.Failures),
			strconv.FormatFloat(rate, 'f', 4, 64),
			rec.LastUpdated.UTC().Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return "", fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("failed to flush csv: %w", err)
	}
	return sb.String(), nil
}

// MarkdownExporter renders a report table.
type MarkdownExporter struct {
	IncludeTimestamp bool
}

// Export implements Exporter.
func (e *MarkdownExporter) Export(records []*PatternRecord) (string, error) {
	var sb strings.Builder

	sb.WriteString("# Action Pattern Report\n\n")
	if e.IncludeTimestamp {
		sb.WriteString(fmt.Sprintf("**Generated**: %s\n\n", time.Now().Format("2006-01-02 15:04:05")))
	}

	if len(records) == 0 {
		sb.WriteString("No patterns recorded yet.\n")
		return sb.String(), nil
	}

	sb.WriteString("| Kind | Platform | Driver | Attempts | Success Rate |\n")
	sb.WriteString("|------|----------|--------|----------|--------------|\n")
	for _, rec := range records {
		rate, ok := rec.SuccessRate()
		rateCell := "n/a"
		if ok {
			rateCell = fmt.Sprintf("%.1f%%", rate*100)
		}
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %d | %s |\n",
			rec.Key.Kind, rec.Key.Platform, rec.Key.Driver, rec.Attempts, rateCell))
	}
	return sb.String(), nil
}

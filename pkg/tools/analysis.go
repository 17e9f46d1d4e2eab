package tools

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// column summarises one CSV column: its inferred type and, for numeric
// columns, basic descriptive statistics.
type column struct {
	Name    string  `json:"name"`
	Type    string  `json:"type"`
	Count   int     `json:"count"`
	Nulls   int     `json:"nulls"`
	Min     float64 `json:"min,omitempty"`
	Max     float64 `json:"max,omitempty"`
	Mean    float64 `json:"mean,omitempty"`
	Unique  int     `json:"unique,omitempty"`
}

// DataAnalysisTool implements the "inspect" stateless tool: structural and
// statistical summary of a local CSV file, optionally followed by an
// LLM-assisted narrative summary. It does not execute arbitrary code
// against the data (the ds_tool.py original's pandas/numpy/sklearn
// execution sandbox has no idiomatic Go equivalent worth building).
type DataAnalysisTool struct {
	client     anthropic.Client
	model      anthropic.Model
	summarize  bool
	maxPreview int
}

// NewDataAnalysisTool builds a DataAnalysisTool; SetConfig supplies the
// Anthropic API key needed for narrative summaries.
func NewDataAnalysisTool() *DataAnalysisTool {
	return &DataAnalysisTool{model: anthropic.ModelClaudeSonnet4_5_20250929, maxPreview: 5}
}

// SetConfig injects the "data_analysis" apis subsection.
func (t *DataAnalysisTool) SetConfig(config map[string]interface{}) {
	var opts []option.RequestOption
	if key, ok := config["anthropic_api_key"].(string); ok && key != "" {
		opts = append(opts, option.WithAPIKey(key))
		t.summarize = true
	}
	if model, ok := config["model"].(string); ok && model != "" {
		t.model = anthropic.Model(model)
	}
	if n, ok := config["preview_rows"].(float64); ok && n > 0 {
		t.maxPreview = int(n)
	}
	t.client = anthropic.NewClient(opts...)
}

// Execute reads params.csv_path and returns a column-level summary, a
// preview of the first rows, and (when configured) a narrative summary of
// params.question about the data.
func (t *DataAnalysisTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	path, _ := params["csv_path"].(string)
	if strings.TrimSpace(path) == "" {
		return nil, NewBusinessError("csv_path is required", nil)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, NewBusinessError(fmt.Sprintf("file not found: %s", path), nil)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return nil, NewBusinessError(fmt.Sprintf("csv has no header row: %v", err), nil)
	}

	columns := make([]column, len(header))
	for i, name := range header {
		columns[i] = column{Name: name, Type: "unknown"}
	}
	seen := make([]map[string]struct{}, len(header))
	for i := range seen {
		seen[i] = make(map[string]struct{})
	}

	var preview [][]string
	rowCount := 0
	for {
		row, readErr := reader.Read()
		if readErr != nil {
			break
		}
		rowCount++
		if len(preview) < t.maxPreview {
			preview = append(preview, row)
		}
		for i := range header {
			if i >= len(row) {
				continue
			}
			value := strings.TrimSpace(row[i])
			c := &columns[i]
			if value == "" {
				c.Nulls++
				continue
			}
			c.Count++
			seen[i][value] = struct{}{}
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				if c.Type == "unknown" || c.Type == "numeric" {
					c.Type = "numeric"
					if c.Count == 1 || f < c.Min {
						c.Min = f
					}
					if c.Count == 1 || f > c.Max {
						c.Max = f
					}
					c.Mean += f
				} else {
					c.Type = "text"
				}
			} else {
				c.Type = "text"
			}
		}
	}
	for i := range columns {
		columns[i].Unique = len(seen[i])
		if columns[i].Type == "numeric" && columns[i].Count > 0 {
			columns[i].Mean /= float64(columns[i].Count)
		}
	}

	result := map[string]interface{}{
		"csv_path": path,
		"row_count": rowCount,
		"columns":   columns,
		"preview":   previewRows(header, preview),
	}

	question, _ := params["question"].(string)
	if t.summarize && strings.TrimSpace(question) != "" {
		answer, err := t.narrate(ctx, columns, rowCount, question)
		if err != nil {
			return nil, fmt.Errorf("narrative summary failed: %w", err)
		}
		result["answer"] = answer
	}
	return result, nil
}

func previewRows(header []string, rows [][]string) []map[string]string {
	out := make([]map[string]string, 0, len(rows))
	for _, row := range rows {
		record := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(row) {
				record[name] = row[i]
			}
		}
		out = append(out, record)
	}
	return out
}

func (t *DataAnalysisTool) narrate(ctx context.Context, columns []column, rowCount int, question string) (string, error) {
	var desc strings.Builder
	fmt.Fprintf(&desc, "Dataset has %d rows and %d columns.\n", rowCount, len(columns))
	for _, c := range columns {
		if c.Type == "numeric" {
			fmt.Fprintf(&desc, "- %s: numeric, min=%.2f max=%.2f mean=%.2f\n", c.Name, c.Min, c.Max, c.Mean)
		} else {
			fmt.Fprintf(&desc, "- %s: text, %d unique values\n", c.Name, c.Unique)
		}
	}
	fmt.Fprintf(&desc, "\nQuestion: %s", question)

	message, err := t.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     t.model,
		MaxTokens: 512,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(desc.String())),
		},
	})
	if err != nil {
		return "", err
	}
	var answer strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" && block.Text != "" {
			answer.WriteString(block.Text)
		}
	}
	return answer.String(), nil
}

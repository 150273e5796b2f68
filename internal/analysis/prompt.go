package analysis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oriys/logflow/internal/domain"
)

// 采样上限
const (
	maxErrorSamples   = 50
	maxWarningSamples = 30
	maxSampleLineLen  = 500
)

// Counts 按级别分类后的计数
type Counts struct {
	Errors   int `json:"error_count"`
	Warnings int `json:"warning_count"`
	Info     int `json:"info_count"`
}

// Total 返回总数
func (c Counts) Total() int { return c.Errors + c.Warnings + c.Info }

// classify 按级别分组：ERROR 和 CRITICAL 计为错误，WARN 计为警告，其余计为信息
func classify(logs []*domain.LogRecord) (Counts, []*domain.LogRecord, []*domain.LogRecord) {
	var (
		counts   Counts
		errs     []*domain.LogRecord
		warnings []*domain.LogRecord
	)
	for _, rec := range logs {
		lvl, _ := domain.NormalizeLevel(string(rec.Level))
		switch lvl {
		case domain.LevelError, domain.LevelCritical:
			counts.Errors++
			errs = append(errs, rec)
		case domain.LevelWarn:
			counts.Warnings++
			warnings = append(warnings, rec)
		default:
			counts.Info++
		}
	}
	return counts, errs, warnings
}

func sampleLines(recs []*domain.LogRecord, max int) []string {
	if len(recs) > max {
		recs = recs[:max]
	}
	lines := make([]string, 0, len(recs))
	for _, rec := range recs {
		lines = append(lines, fmt.Sprintf("%s [%s] %s: %s",
			rec.Time().Format(time.RFC3339), rec.Level, rec.Service,
			domain.TruncateMessage(rec.Message, maxSampleLineLen)))
	}
	return lines
}

func scopeLabel(service string) string {
	if service == "" {
		return "all services"
	}
	return "service " + service
}

// buildPrompt 构造分析提示词，要求模型只返回 JSON
func buildPrompt(p Params, counts Counts, errs, warnings []*domain.LogRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a site reliability engineer analysing application logs for %s.\n", scopeLabel(p.Service))
	fmt.Fprintf(&b, "Time range: %s to %s.\n",
		time.UnixMilli(p.Start).UTC().Format(time.RFC3339),
		time.UnixMilli(p.End).UTC().Format(time.RFC3339))
	if p.Search != "" {
		fmt.Fprintf(&b, "Only logs containing %q were included.\n", p.Search)
	}
	fmt.Fprintf(&b, "Totals: %d logs, %d errors, %d warnings, %d info.\n\n", counts.Total(), counts.Errors, counts.Warnings, counts.Info)

	if lines := sampleLines(errs, maxErrorSamples); len(lines) > 0 {
		b.WriteString("Error samples:\n")
		b.WriteString(strings.Join(lines, "\n"))
		b.WriteString("\n\n")
	}
	if lines := sampleLines(warnings, maxWarningSamples); len(lines) > 0 {
		b.WriteString("Warning samples:\n")
		b.WriteString(strings.Join(lines, "\n"))
		b.WriteString("\n\n")
	}

	b.WriteString(`Respond with a single JSON object and nothing else, using this shape:
{"summary": "<two or three sentences>", "patterns": ["<recurring issue>", ...], "recommendations": ["<concrete action>", ...]}`)
	return b.String()
}

// parseOutcome 从模型输出中提取第一个 JSON 对象
func parseOutcome(text string) (*outcome, error) {
	idx := strings.IndexByte(text, '{')
	if idx < 0 {
		return nil, fmt.Errorf("%w: no JSON object in response", domain.ErrInference)
	}
	var out outcome
	dec := json.NewDecoder(bytes.NewReader([]byte(text[idx:])))
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", domain.ErrInference, err)
	}
	if strings.TrimSpace(out.Summary) == "" {
		return nil, fmt.Errorf("%w: response has no summary", domain.ErrInference)
	}
	return &out, nil
}

type outcome struct {
	Summary         string   `json:"summary"`
	Patterns        []string `json:"patterns"`
	Recommendations []string `json:"recommendations"`
}

// synthesize 只根据计数生成确定性的摘要，推理不可用时使用
func synthesize(service string, counts Counts) *outcome {
	if counts.Total() == 0 {
		return &outcome{
			Summary:         fmt.Sprintf("No logs found for %s in the requested time range.", scopeLabel(service)),
			Patterns:        []string{},
			Recommendations: []string{},
		}
	}

	out := &outcome{
		Summary: fmt.Sprintf("Analyzed %d logs for %s: %d errors, %d warnings, %d info.",
			counts.Total(), scopeLabel(service), counts.Errors, counts.Warnings, counts.Info),
		Patterns:        []string{},
		Recommendations: []string{},
	}
	if counts.Errors > 0 {
		out.Patterns = append(out.Patterns, fmt.Sprintf("%d error-level events", counts.Errors))
		out.Recommendations = append(out.Recommendations, "Investigate the most frequent error messages")
	}
	if counts.Warnings > 0 {
		out.Patterns = append(out.Patterns, fmt.Sprintf("%d warning-level events", counts.Warnings))
		out.Recommendations = append(out.Recommendations, "Review warnings before they escalate to errors")
	}
	if counts.Errors == 0 && counts.Warnings == 0 {
		out.Recommendations = append(out.Recommendations, "No action required")
	}
	return out
}

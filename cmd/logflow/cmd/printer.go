package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/oriys/logflow/internal/cleanup"
	"github.com/oriys/logflow/internal/domain"
)

// Printer 根据配置的输出格式（table/json/yaml）格式化输出
type Printer struct {
	format string
	writer io.Writer
}

// NewPrinter 创建打印器，格式取自 viper 的 output 配置
func NewPrinter() *Printer {
	format := viper.GetString("output")
	if format == "" {
		format = "table"
	}
	return &Printer{format: format, writer: os.Stdout}
}

// print 以 json/yaml 输出，table 格式时调用 table 回调
func (p *Printer) print(v interface{}, table func(w *tabwriter.Writer)) error {
	switch p.format {
	case "json":
		enc := json.NewEncoder(p.writer)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(p.writer)
		enc.SetIndent(2)
		return enc.Encode(v)
	default:
		w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
		table(w)
		return w.Flush()
	}
}

// PrintLogs 打印日志列表
func (p *Printer) PrintLogs(logs []*domain.LogRecord) error {
	return p.print(logs, func(w *tabwriter.Writer) {
		if len(logs) == 0 {
			fmt.Fprintln(w, "No logs found.")
			return
		}
		fmt.Fprintln(w, "TIME\tSERVICE\tLEVEL\tMESSAGE")
		for _, l := range logs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				l.Time().Format(time.RFC3339), l.Service, l.Level, truncate(l.Message, 80))
		}
	})
}

// PrintLog 打印单条日志详情
func (p *Printer) PrintLog(l *domain.LogRecord) error {
	return p.print(l, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "ID:\t%s\n", l.ID)
		fmt.Fprintf(w, "Service:\t%s\n", l.Service)
		fmt.Fprintf(w, "Level:\t%s\n", l.Level)
		fmt.Fprintf(w, "Time:\t%s\n", l.Time().Format(time.RFC3339Nano))
		fmt.Fprintf(w, "Source:\t%s\n", l.Source)
		if l.ArchiveKey != nil {
			fmt.Fprintf(w, "Archive:\t%s\n", *l.ArchiveKey)
		}
		fmt.Fprintf(w, "Message:\t%s\n", l.Message)
		for k, v := range l.Metadata {
			fmt.Fprintf(w, "  %s:\t%v\n", k, v)
		}
	})
}

// PrintBatchResult 打印批量摄取结果
func (p *Printer) PrintBatchResult(res *domain.BatchResult) error {
	return p.print(res, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Successful:\t%d\n", res.Successful)
		fmt.Fprintf(w, "Failed:\t%d\n", res.Failed)
		for _, e := range res.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	})
}

// PrintSession 打印分析会话
func (p *Printer) PrintSession(s *domain.AnalysisSession) error {
	return p.print(s, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Session:\t%s\n", s.ID)
		service := s.Service
		if service == "" {
			service = "(all)"
		}
		fmt.Fprintf(w, "Service:\t%s\n", service)
		fmt.Fprintf(w, "Status:\t%s\n", s.Status)
		if s.CurrentStep != "" {
			fmt.Fprintf(w, "Step:\t%s\n", s.CurrentStep)
		}
		fmt.Fprintf(w, "Logs:\t%d (errors %d, warnings %d, info %d)\n",
			s.LogsProcessed, s.ErrorCount, s.WarningCount, s.InfoCount)
		if s.Summary != "" {
			fmt.Fprintf(w, "Summary:\t%s\n", s.Summary)
		}
		for _, pat := range s.Patterns {
			fmt.Fprintf(w, "Pattern:\t%s\n", pat)
		}
		for _, rec := range s.Recommendations {
			fmt.Fprintf(w, "Recommendation:\t%s\n", rec)
		}
	})
}

// PrintCleanupStats 打印清理统计
func (p *Printer) PrintCleanupStats(s *cleanup.Stats) error {
	return p.print(s, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Deleted:\t%d\n", s.Deleted)
		fmt.Fprintf(w, "Services:\t%d\n", s.ServicesProcessed)
		fmt.Fprintf(w, "Archive failures:\t%d\n", s.ArchiveDeleteFailures)
		fmt.Fprintf(w, "Duration:\t%s\n", s.Duration)
		for _, e := range s.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	})
}

// PrintServiceConfigs 打印服务配置列表
func (p *Printer) PrintServiceConfigs(configs []*domain.ServiceConfig) error {
	return p.print(configs, func(w *tabwriter.Writer) {
		if len(configs) == 0 {
			fmt.Fprintln(w, "No service configs found.")
			return
		}
		fmt.Fprintln(w, "SERVICE\tTTL_DAYS\tRETENTION\tALERTING\tDAILY_CAP\tDEFAULT")
		for _, c := range configs {
			fmt.Fprintf(w, "%s\t%d\t%s\t%t\t%d\t%t\n",
				c.Service, c.TTLDays, c.RetentionClass, c.AlertingEnabled, c.DailyCap, c.IsDefault)
		}
	})
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}

package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oriys/logflow/internal/domain"
)

var (
	ingestLevel string
	ingestMeta  []string
	ingestFile  string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [service] [message]",
	Short: "Submit log records",
	Long: `提交一条日志，或从 JSON Lines 文件批量提交。

文件中每行是一个日志对象，例如:
  {"service":"checkout","level":"ERROR","message":"timeout","metadata":{"order":"42"}}

文件按每批最多 1000 条分批提交，"-" 表示从标准输入读取。

Examples:
  logflow ingest checkout "payment gateway timeout" --level error --meta order=42
  logflow ingest --file app.jsonl
  cat app.jsonl | logflow ingest --file -`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestLevel, "level", "l", "INFO", "日志级别")
	ingestCmd.Flags().StringArrayVarP(&ingestMeta, "meta", "m", nil, "元数据键值对 key=value，可重复")
	ingestCmd.Flags().StringVarP(&ingestFile, "file", "f", "", "JSON Lines 文件路径")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ingestFile != "" {
		return ingestFromFile(ctx, ingestFile)
	}
	if len(args) != 2 {
		return fmt.Errorf("expected <service> <message> or --file")
	}

	rec := &domain.LogRecord{
		Service: args[0],
		Level:   domain.Level(ingestLevel),
		Message: args[1],
	}
	if len(ingestMeta) > 0 {
		rec.Metadata = make(map[string]interface{}, len(ingestMeta))
		for _, kv := range ingestMeta {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return fmt.Errorf("invalid --meta %q, expected key=value", kv)
			}
			rec.Metadata[k] = v
		}
	}

	id, err := newClient().Ingest(ctx, rec)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func ingestFromFile(ctx context.Context, path string) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	records, err := readRecords(r)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("no records in %s", path)
	}

	client := newClient()
	total := domain.BatchResult{Errors: []string{}}
	for start := 0; start < len(records); start += domain.MaxBatchSize {
		end := start + domain.MaxBatchSize
		if end > len(records) {
			end = len(records)
		}
		res, err := client.BatchIngest(ctx, records[start:end])
		if err != nil {
			return fmt.Errorf("batch starting at record %d: %w", start, err)
		}
		total.Successful += res.Successful
		total.Failed += res.Failed
		for _, e := range res.Errors {
			total.Errors = append(total.Errors, fmt.Sprintf("batch %d: %s", start/domain.MaxBatchSize, e))
		}
	}
	return NewPrinter().PrintBatchResult(&total)
}

// readRecords 按行解析 JSON Lines，跳过空行
func readRecords(r io.Reader) ([]*domain.LogRecord, error) {
	var out []*domain.LogRecord
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var rec domain.LogRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, &rec)
	}
	return out, sc.Err()
}

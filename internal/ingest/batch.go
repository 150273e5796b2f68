package ingest

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/oriys/logflow/internal/domain"
)

// BatchIngest 并发摄取一批记录，单条失败不会影响其他记录。
// 调用方负责先用 domain.ValidateBatchSize 校验批量大小。
func (c *Coordinator) BatchIngest(ctx context.Context, records []*domain.LogRecord) domain.BatchResult {
	type outcome struct {
		id  string
		err error
	}
	outcomes := make([]outcome, len(records))

	var g errgroup.Group
	for i, rec := range records {
		i, rec := i, rec
		g.Go(func() error {
			if rec == nil {
				outcomes[i] = outcome{err: domain.NewValidationError("log", "record is null")}
				return nil
			}
			id, err := c.Ingest(ctx, rec)
			outcomes[i] = outcome{id: id, err: err}
			// 错误按条收集，不传播给 errgroup
			return nil
		})
	}
	_ = g.Wait()

	result := domain.BatchResult{Errors: []string{}}
	for i, o := range outcomes {
		if o.err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", i, o.err))
			continue
		}
		result.Successful++
		result.IDs = append(result.IDs, o.id)
	}
	return result
}

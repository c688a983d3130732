package workflow

import (
	"context"
)

// ArchiveRepo 审计归档, 引擎在每次修改提交之后写入
// 归档只用于审计查询, 引擎运行时不从归档读取状态
type ArchiveRepo interface {
	SaveInstance(ctx context.Context, instance *InstanceArchivePo) error
	AppendHistory(ctx context.Context, entries []*HistoryArchivePo) error
	QueryInstances(ctx context.Context, param *QueryArchivedInstanceParams) ([]*InstanceArchivePo, error)
	CountInstances(ctx context.Context, param *QueryArchivedInstanceParams) (int64, error)
	QueryHistory(ctx context.Context, instanceID string) ([]*HistoryArchivePo, error)
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

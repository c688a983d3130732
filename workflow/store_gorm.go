package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type InstanceArchivePo struct {
	ID              string `gorm:"column:id;primaryKey;size:64" json:"id"`
	TemplateID      string `gorm:"column:template_id;index;size:128" json:"template_id"`
	TemplateVersion int    `gorm:"column:template_version" json:"template_version"`
	WorkflowType    string `gorm:"column:workflow_type" json:"workflow_type"`
	Status          string `gorm:"column:status;index" json:"status"`
	CurrentStage    string `gorm:"column:current_stage" json:"current_stage"`
	Initiator       string `gorm:"column:initiator" json:"initiator"`
	RiskLevel       string `gorm:"column:risk_level" json:"risk_level"`
	RiskScore       int    `gorm:"column:risk_score" json:"risk_score"`
	Data            []byte `gorm:"column:data" json:"data"` // 实例数据 json
	Stalled         bool   `gorm:"column:stalled" json:"stalled"`
	Frozen          bool   `gorm:"column:frozen" json:"frozen"`
	CreatedAt       int64  `gorm:"column:created_at" json:"created_at"`
	StartedAt       int64  `gorm:"column:started_at" json:"started_at"` // 0 表示还没有开始
	CompletedAt     int64  `gorm:"column:completed_at" json:"completed_at"`
	UpdatedAt       int64  `gorm:"column:updated_at" json:"updated_at"`
}

func (InstanceArchivePo) TableName() string {
	return "workflow_instance_archive"
}

type HistoryArchivePo struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement"`
	InstanceID string `gorm:"column:instance_id;uniqueIndex:uk_instance_seq;size:64"`
	Seq        int    `gorm:"column:seq;uniqueIndex:uk_instance_seq"`
	StageID    string `gorm:"column:stage_id"`
	Action     string `gorm:"column:action"`
	Actor      string `gorm:"column:actor"`
	Comment    string `gorm:"column:comment"`
	Timestamp  int64  `gorm:"column:timestamp"` // unix 毫秒
}

func (HistoryArchivePo) TableName() string {
	return "workflow_history_archive"
}

// MigrateArchive 建表
func MigrateArchive(db *gorm.DB) error {
	return db.AutoMigrate(&InstanceArchivePo{}, &HistoryArchivePo{})
}

type QueryArchivedInstanceParams struct {
	InstanceID   *string  `json:"instance_id"`
	TemplateID   *string  `json:"template_id"`
	StatusIn     []string `json:"status_in"`
	Initiator    *string  `json:"initiator"`
	OrderbyIDAsc *bool    `json:"orderby_id_asc"`
	Page         *Pager   `json:"page"`
}

type Pager struct {
	IsNoLimit *bool `json:"is_no_limit"`
	Page      int64 `json:"page"`
	Size      int64 `json:"size"`
}

type archiveRepo struct {
	db *gorm.DB
}

func NewArchiveRepo(db *gorm.DB) ArchiveRepo {
	return &archiveRepo{
		db: db,
	}
}

// SaveInstance 按 id 覆盖写
func (r *archiveRepo) SaveInstance(ctx context.Context, instance *InstanceArchivePo) error {
	if instance == nil {
		return errors.New("nil InstanceArchivePo")
	}
	instance.UpdatedAt = time.Now().Unix()
	err := r.GetDBWithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(instance).Error
	if err != nil {
		return errors.WithMessagef(err, "SaveInstance failed, id: %s", instance.ID)
	}
	return nil
}

// AppendHistory 已经存在的 (instance_id, seq) 会被忽略, 重复归档不会产生重复记录
func (r *archiveRepo) AppendHistory(ctx context.Context, entries []*HistoryArchivePo) error {
	if len(entries) == 0 {
		return nil
	}
	err := r.GetDBWithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instance_id"}, {Name: "seq"}},
		DoNothing: true,
	}).Create(&entries).Error
	if err != nil {
		return errors.WithMessage(err, "AppendHistory failed")
	}
	return nil
}

func buildQueryArchivedInstanceParams(db *gorm.DB, isCount bool, param *QueryArchivedInstanceParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryArchivedInstanceParams")
	}
	if param.InstanceID != nil {
		db = db.Where("id = ?", *param.InstanceID)
	}
	if param.TemplateID != nil {
		db = db.Where("template_id = ?", *param.TemplateID)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if param.Initiator != nil {
		db = db.Where("initiator = ?", *param.Initiator)
	}
	if isCount {
		return db, nil
	}
	if param.OrderbyIDAsc != nil {
		if *param.OrderbyIDAsc {
			db = db.Order("created_at asc, id asc")
		} else {
			db = db.Order("created_at desc, id desc")
		}
	}
	if param.Page == nil {
		return nil, errors.New("page is nil")
	}
	if param.Page.IsNoLimit != nil && *param.Page.IsNoLimit {
		// 不分页显示指定了true
		return db, nil
	}
	if param.Page.Page == 0 {
		param.Page.Page = 1
	}
	if param.Page.Size == 0 {
		param.Page.Size = 10
	}
	return db.Offset(int(param.Page.Page-1) * int(param.Page.Size)).Limit(int(param.Page.Size)), nil
}

func (r *archiveRepo) QueryInstances(ctx context.Context, param *QueryArchivedInstanceParams) ([]*InstanceArchivePo, error) {
	db, err := buildQueryArchivedInstanceParams(r.GetDBWithContext(ctx).Model(&InstanceArchivePo{}), false, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryArchivedInstanceParams failed")
	}
	pos := make([]*InstanceArchivePo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryInstances failed")
	}
	return pos, nil
}

func (r *archiveRepo) CountInstances(ctx context.Context, param *QueryArchivedInstanceParams) (int64, error) {
	db, err := buildQueryArchivedInstanceParams(r.GetDBWithContext(ctx).Model(&InstanceArchivePo{}), true, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildQueryArchivedInstanceParams failed")
	}
	var count int64
	if err := db.Count(&count).Error; err != nil {
		return 0, errors.WithMessage(err, "CountInstances failed")
	}
	return count, nil
}

func (r *archiveRepo) QueryHistory(ctx context.Context, instanceID string) ([]*HistoryArchivePo, error) {
	pos := make([]*HistoryArchivePo, 0)
	err := r.GetDBWithContext(ctx).Model(&HistoryArchivePo{}).
		Where("instance_id = ?", instanceID).
		Order("seq asc").
		Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryHistory failed, instance_id: %s", instanceID)
	}
	return pos, nil
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

func (r *archiveRepo) GetDBWithContext(ctx context.Context) *gorm.DB {
	tx := ctx.Value(transactionContextKey)
	if tx == nil {
		return r.db.WithContext(ctx)
	}
	return tx.(*gorm.DB)
}

func (r *archiveRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(transactionContextKey) != nil {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, transactionContextKey, tx))
	})
}

// toArchivePo 实例快照转换成归档记录
func toArchivePo(inst *WorkflowInstance) *InstanceArchivePo {
	po := &InstanceArchivePo{
		ID:              inst.ID,
		TemplateID:      inst.TemplateID,
		TemplateVersion: inst.TemplateVersion,
		WorkflowType:    inst.WorkflowType,
		Status:          inst.Status,
		CurrentStage:    inst.CurrentStage,
		Initiator:       inst.Initiator,
		RiskLevel:       inst.Risk.Level,
		RiskScore:       inst.Risk.Score,
		Data:            inst.Data.ToBytesWithoutError(),
		Stalled:         inst.Stalled,
		Frozen:          inst.Frozen,
		CreatedAt:       inst.CreatedAt.Unix(),
	}
	if inst.StartedAt != nil {
		po.StartedAt = inst.StartedAt.Unix()
	}
	if inst.CompletedAt != nil {
		po.CompletedAt = inst.CompletedAt.Unix()
	}
	return po
}

func toHistoryArchivePos(instanceID string, entries []HistoryEntry) []*HistoryArchivePo {
	pos := make([]*HistoryArchivePo, 0, len(entries))
	for _, e := range entries {
		pos = append(pos, &HistoryArchivePo{
			InstanceID: instanceID,
			Seq:        e.Seq,
			StageID:    e.StageID,
			Action:     e.Action,
			Actor:      e.Actor,
			Comment:    e.Comment,
			Timestamp:  e.Timestamp.UnixMilli(),
		})
	}
	return pos
}

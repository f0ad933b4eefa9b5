package audit

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"sitecrew/pkg/db"
)

type auditModel struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (auditModel) TableName() string { return "audit" }

func toModel(e Entry) auditModel {
	details := datatypes.JSONMap{}
	for k, v := range e.Details {
		details[k] = v
	}
	m := auditModel{Actor: e.Actor, Action: e.Action, Obj: e.Obj, Details: details}
	if !e.At.IsZero() {
		m.At = e.At.UTC()
	}
	if m.Actor == "" {
		m.Actor = "system"
	}
	return m
}

// GormSink writes entries to the audit table.
type GormSink struct {
	orm *gorm.DB
}

// NewGormSink opens a gorm handle sharing pool's connections.
func NewGormSink(pool *pgxpool.Pool) (*GormSink, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	orm, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 stdlib.OpenDBFromPool(pool),
		PreferSimpleProtocol: true,
	}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	return &GormSink{orm: orm}, nil
}

// Record inserts one row.
func (s *GormSink) Record(ctx context.Context, e Entry) error {
	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	m := toModel(e)
	return s.orm.WithContext(ctx).Create(&m).Error
}

// Recent returns the newest entries, optionally restricted to one object.
func (s *GormSink) Recent(ctx context.Context, obj string, limit int) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	q := s.orm.WithContext(ctx).Order("at DESC, id DESC").Limit(limit)
	if obj != "" {
		q = q.Where("obj = ?", obj)
	}
	var rows []auditModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		out = append(out, Entry{Actor: row.Actor, Action: row.Action, Obj: row.Obj, Details: map[string]any(row.Details), At: row.At})
	}
	return out, nil
}

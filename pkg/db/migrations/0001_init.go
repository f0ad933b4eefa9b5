package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

// Document is one JSON document addressed by its slash-separated path,
// e.g. "projects/<id>" or "projects/<id>/messages/<id>".
type Document struct {
	Path       string         `gorm:"type:text;primaryKey"`
	Collection string         `gorm:"type:text;not null;index"`
	DocID      string         `gorm:"column:doc_id;type:text;not null"`
	Data       datatypes.JSON `gorm:"type:jsonb;not null"`
	Version    int64          `gorm:"type:bigint;not null;default:1"`
	CreatedAt  time.Time      `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt  time.Time      `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type Audit struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null;index"`
	Obj     string            `gorm:"type:text;index"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Audit) TableName() string { return "audit" }

func openGorm(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(&Document{}, &Audit{}); err != nil {
		return err
	}

	// Containment queries (data @> '{...}') are the only filters pushed down to postgres.
	return gormDB.WithContext(ctx).
		Exec(`CREATE INDEX IF NOT EXISTS idx_documents_data ON documents USING GIN (data jsonb_path_ops)`).
		Error
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(&Audit{}, &Document{})
}

package taskstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// PostgresOptions describes the connection. ConnString wins over the
// individual fields when set.
type PostgresOptions struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	Params     map[string]string
	ConnString string
}

type taskRecordRow struct {
	TaskID        string    `gorm:"column:task_id;primaryKey"`
	Bucket        string    `gorm:"column:bucket;not null;index:idx_task_records_bucket,priority:1"`
	ContextType   string    `gorm:"column:context_type;not null"`
	SchemaVersion int       `gorm:"column:schema_version;not null"`
	State         string    `gorm:"column:state;not null"`
	Payload       string    `gorm:"column:payload;type:text;not null"`
	PersistedAt   time.Time `gorm:"column:persisted_at;not null;index:idx_task_records_bucket,priority:2"`
}

func (taskRecordRow) TableName() string { return "task_records" }

func (r taskRecordRow) record() Record {
	return Record{
		TaskID:        r.TaskID,
		ContextType:   r.ContextType,
		SchemaVersion: r.SchemaVersion,
		State:         r.State,
		Payload:       []byte(r.Payload),
		PersistedAt:   r.PersistedAt.UTC(),
	}
}

func rowFor(rec Record, bucket Bucket) taskRecordRow {
	return taskRecordRow{
		TaskID:        rec.TaskID,
		Bucket:        string(bucket),
		ContextType:   rec.ContextType,
		SchemaVersion: rec.SchemaVersion,
		State:         rec.State,
		Payload:       string(rec.Payload),
		PersistedAt:   rec.PersistedAt,
	}
}

type PostgresStore struct {
	db *gorm.DB
}

func OpenPostgres(ctx context.Context, opts PostgresOptions) (*PostgresStore, error) {
	dsn, err := opts.dsn()
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewPostgresStore(ctx, db)
}

// NewPostgresStore wraps an existing gorm handle and migrates the table.
func NewPostgresStore(ctx context.Context, db *gorm.DB) (*PostgresStore, error) {
	if err := db.WithContext(ctx).AutoMigrate(&taskRecordRow{}); err != nil {
		return nil, fmt.Errorf("migrate task_records: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	return s.write(ctx, stamp(rec), BucketActive)
}

func (s *PostgresStore) Finalize(ctx context.Context, rec Record, bucket Bucket) error {
	if err := checkFinalBucket(bucket); err != nil {
		return err
	}
	if err := rec.validate(); err != nil {
		return err
	}
	return s.write(ctx, stamp(rec), bucket)
}

// write stores rec in bucket unless the row already left the active bucket.
func (s *PostgresStore) write(ctx context.Context, rec Record, bucket Bucket) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing taskRecordRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("task_id = ?", rec.TaskID).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row := rowFor(rec, bucket)
			return tx.Create(&row).Error
		}
		if err != nil {
			return err
		}
		if Bucket(existing.Bucket) != BucketActive {
			return fmt.Errorf("%w: %s", ErrSealed, rec.TaskID)
		}
		return tx.Model(&taskRecordRow{}).Where("task_id = ?", rec.TaskID).Updates(map[string]any{
			"bucket":         string(bucket),
			"context_type":   rec.ContextType,
			"schema_version": rec.SchemaVersion,
			"state":          rec.State,
			"payload":        string(rec.Payload),
			"persisted_at":   rec.PersistedAt,
		}).Error
	})
}

func (s *PostgresStore) Get(ctx context.Context, taskID string) (Record, Bucket, error) {
	var row taskRecordRow
	err := s.db.WithContext(ctx).Where("task_id = ?", taskID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, "", fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return Record{}, "", err
	}
	return row.record(), Bucket(row.Bucket), nil
}

func (s *PostgresStore) List(ctx context.Context, bucket Bucket) ([]Record, error) {
	if !bucket.Valid() {
		return nil, fmt.Errorf("invalid bucket %q", bucket)
	}
	var rows []taskRecordRow
	if err := s.db.WithContext(ctx).Where("bucket = ?", string(bucket)).Order("task_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.record())
	}
	return out, nil
}

func (s *PostgresStore) Delete(ctx context.Context, taskID string) error {
	res := s.db.WithContext(ctx).Where("task_id = ?", taskID).Delete(&taskRecordRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return nil
}

func (s *PostgresStore) Purge(ctx context.Context, bucket Bucket, olderThan time.Time) (int, error) {
	if !bucket.Valid() {
		return 0, fmt.Errorf("invalid bucket %q", bucket)
	}
	res := s.db.WithContext(ctx).Where("bucket = ? AND persisted_at < ?", string(bucket), olderThan.UTC()).Delete(&taskRecordRow{})
	return int(res.RowsAffected), res.Error
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (opt PostgresOptions) dsn() (string, error) {
	if opt.ConnString != "" {
		return opt.ConnString, nil
	}
	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}
	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	if port < 0 || port > 65535 {
		return "", fmt.Errorf("invalid postgres port %d", port)
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}
	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}
	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

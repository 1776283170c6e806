package sql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"anondrop/backend/internal/config"
	"anondrop/backend/internal/domain"
	"anondrop/backend/internal/storage"
)

const (
	expiryIndexName = "idx_messages_created_at"
	policyName      = "messages"
)

// retentionPolicy 记录过期窗口，SQL 没有 TTL 索引，窗口由定时清理任务执行
type retentionPolicy struct {
	Name               string `gorm:"primaryKey;type:varchar(64)"`
	ExpireAfterSeconds int64  `gorm:"not null"`
	UpdatedAt          time.Time
}

func (retentionPolicy) TableName() string {
	return "retention_policies"
}

// Store SQL 数据库存储实现（支持 MySQL 5.7+ 和 PostgreSQL）
type Store struct {
	db         *sql.DB
	gormDB     *gorm.DB
	driverName string // "mysql" or "postgres"
	log        *zap.Logger

	mu          sync.Mutex
	lastCreated time.Time
	now         func() time.Time
}

var (
	_ storage.Store                = (*Store)(nil)
	_ storage.ExpiredMessagePurger = (*Store)(nil)
	_ storage.RetentionInspector   = (*Store)(nil)
)

// NewStore 创建 SQL 数据库存储并执行自动迁移
func NewStore(ctx context.Context, driverName string, cfg config.DatabaseConfig, log *zap.Logger) (*Store, error) {
	if driverName != config.StoreMySQL && driverName != config.StorePostgres {
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres)", driverName)
	}
	if log == nil {
		log = zap.NewNop()
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, classify("ping database", err)
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var dialector gorm.Dialector
	if driverName == config.StoreMySQL {
		dialector = mysql.New(mysql.Config{Conn: db})
	} else {
		dialector = postgres.New(postgres.Config{Conn: db})
	}

	gormDB, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize GORM: %w", err)
	}

	store := &Store{
		db:         db,
		gormDB:     gormDB,
		driverName: driverName,
		log:        log.Named("sql"),
		now:        time.Now,
	}

	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	store.log.Info("database storage ready", zap.String("driver", driverName))
	return store, nil
}

// migrate 执行数据库迁移（使用GORM AutoMigrate）
func (s *Store) migrate(ctx context.Context) error {
	return s.gormDB.WithContext(ctx).AutoMigrate(&domain.Message{}, &retentionPolicy{})
}

// Close 关闭数据库连接
func (s *Store) Close(context.Context) error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Health 检查数据库健康状态
func (s *Store) Health(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return classify("ping database", s.db.PingContext(ctx))
}

// nextCreatedAt 返回严格递增的写入时间，精确到毫秒
func (s *Store) nextCreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC().Truncate(time.Millisecond)
	if !now.After(s.lastCreated) {
		now = s.lastCreated.Add(time.Millisecond)
	}
	s.lastCreated = now
	return now
}

// InsertMessage 写入消息
func (s *Store) InsertMessage(ctx context.Context, message *domain.Message) error {
	record := *message
	record.ID = uuid.NewString()
	record.CreatedAt = s.nextCreatedAt()

	if err := s.gormDB.WithContext(ctx).Create(&record).Error; err != nil {
		return classify("insert message", err)
	}

	message.ID = record.ID
	message.CreatedAt = record.CreatedAt
	return nil
}

// ListMessagesByRecipient 按 created_at 倒序返回未过期消息
func (s *Store) ListMessagesByRecipient(ctx context.Context, lookupHash string) ([]domain.Message, error) {
	cutoff := s.now().UTC().Add(-domain.RetentionWindow)

	messages := make([]domain.Message, 0)
	err := s.gormDB.WithContext(ctx).
		Where("recipient_lookup_hash = ? AND created_at > ?", lookupHash, cutoff).
		Order("created_at DESC").
		Find(&messages).Error
	if err != nil {
		return nil, classify("list messages", err)
	}

	for i := range messages {
		messages[i].CreatedAt = messages[i].CreatedAt.UTC()
	}
	return messages, nil
}

// EnsureRetentionPolicy 维护 created_at 索引和保留窗口记录
func (s *Store) EnsureRetentionPolicy(ctx context.Context) error {
	action, err := storage.ReconcileRetention(ctx, s, domain.RetentionWindow)
	if err != nil {
		return err
	}
	if action != storage.RetentionNoop {
		s.log.Info("retention policy reconciled", zap.String("action", string(action)))
	}
	return nil
}

// InspectExpiry 读取 created_at 索引和窗口记录
//
// 有索引但没有窗口记录时按窗口错误处理，由维护流程重建。
func (s *Store) InspectExpiry(ctx context.Context) (*storage.ExpiryIndex, error) {
	db := s.gormDB.WithContext(ctx)
	migrator := db.Migrator()

	if !migrator.HasTable(&domain.Message{}) {
		return nil, storage.ErrContainerNotFound
	}
	if !migrator.HasIndex(&domain.Message{}, expiryIndexName) {
		return nil, nil
	}

	idx := &storage.ExpiryIndex{Name: expiryIndexName, Window: -1}

	var policy retentionPolicy
	err := db.Where("name = ?", policyName).Take(&policy).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return idx, nil
	case err != nil:
		return nil, classify("read retention policy", err)
	}

	idx.Window = time.Duration(policy.ExpireAfterSeconds) * time.Second
	return idx, nil
}

// CreateExpiry 创建 created_at 索引并写入窗口
func (s *Store) CreateExpiry(ctx context.Context, window time.Duration) error {
	db := s.gormDB.WithContext(ctx)
	migrator := db.Migrator()

	if !migrator.HasIndex(&domain.Message{}, expiryIndexName) {
		stmt := fmt.Sprintf("CREATE INDEX %s ON messages (created_at)", expiryIndexName)
		if err := db.Exec(stmt).Error; err != nil {
			// 并发实例可能已经创建
			if !migrator.HasIndex(&domain.Message{}, expiryIndexName) {
				return classify("create expiry index", err)
			}
		}
	}

	policy := retentionPolicy{
		Name:               policyName,
		ExpireAfterSeconds: int64(window / time.Second),
		UpdatedAt:          s.now().UTC(),
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"expire_after_seconds", "updated_at"}),
	}).Create(&policy).Error
	return classify("save retention policy", err)
}

// DropExpiry 删除索引和窗口记录，已不存在时不报错
func (s *Store) DropExpiry(ctx context.Context) error {
	db := s.gormDB.WithContext(ctx)
	migrator := db.Migrator()

	if migrator.HasIndex(&domain.Message{}, expiryIndexName) {
		if err := migrator.DropIndex(&domain.Message{}, expiryIndexName); err != nil {
			if migrator.HasIndex(&domain.Message{}, expiryIndexName) {
				return classify("drop expiry index", err)
			}
		}
	}

	err := db.Where("name = ?", policyName).Delete(&retentionPolicy{}).Error
	return classify("delete retention policy", err)
}

// PurgeExpiredMessages 删除超过窗口的记录，返回删除数量
func (s *Store) PurgeExpiredMessages(ctx context.Context) (int64, error) {
	window := domain.RetentionWindow
	if idx, err := s.InspectExpiry(ctx); err == nil && idx != nil && idx.Window > 0 {
		window = idx.Window
	}
	cutoff := s.now().UTC().Add(-window)

	result := s.gormDB.WithContext(ctx).
		Where("created_at <= ?", cutoff).
		Delete(&domain.Message{})
	if result.Error != nil {
		return 0, classify("purge expired messages", result.Error)
	}
	return result.RowsAffected, nil
}

// classify 把连接类错误映射为 ErrStoreUnavailable
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %w", op, storage.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	gomongo "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"

	"anondrop/backend/internal/config"
	"anondrop/backend/internal/domain"
	"anondrop/backend/internal/storage"
)

const (
	// CollectionName 和字段名沿用线上已有数据的结构
	CollectionName = "messages"

	fieldID         = "_id"
	fieldLookupHash = "recipientUsernameHash"
	fieldCreatedAt  = "createdAt"
	expiryIndexName = "createdAt_1"
	lookupIndexName = "recipientUsernameHash_1"

	// 服务端错误码
	codeNamespaceNotFound = 26
	codeIndexNotFound     = 27
)

// messageDocument 是 messages 集合中的文档
type messageDocument struct {
	ID                  bson.ObjectID `bson:"_id"`
	RecipientLookupHash string        `bson:"recipientUsernameHash"`
	EncryptedSenderName string        `bson:"encryptedSenderName"`
	EncryptedBody       string        `bson:"encryptedMessageContent"`
	CreatedAt           time.Time     `bson:"createdAt"`
}

func toDocument(m *domain.Message) messageDocument {
	return messageDocument{
		RecipientLookupHash: m.RecipientLookupHash,
		EncryptedSenderName: m.EncryptedSenderName,
		EncryptedBody:       m.EncryptedBody,
		CreatedAt:           m.CreatedAt,
	}
}

func (d messageDocument) toDomain() domain.Message {
	return domain.Message{
		ID:                  d.ID.Hex(),
		RecipientLookupHash: d.RecipientLookupHash,
		EncryptedSenderName: d.EncryptedSenderName,
		EncryptedBody:       d.EncryptedBody,
		CreatedAt:           d.CreatedAt.UTC(),
	}
}

// Store 基于 MongoDB 的消息存储，过期由服务端 TTL 监视器完成
type Store struct {
	client     *gomongo.Client
	collection *gomongo.Collection
	log        *zap.Logger
	now        func() time.Time
}

var (
	_ storage.Store              = (*Store)(nil)
	_ storage.RetentionInspector = (*Store)(nil)
)

// NewStore 连接 MongoDB 并确保收件哈希索引存在
func NewStore(ctx context.Context, cfg config.MongoConfig, log *zap.Logger) (*Store, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongodb uri is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ConnectTimeout).
		SetAppName("anondrop")

	client, err := gomongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, classify("ping mongodb", err)
	}

	s := &Store{
		client:     client,
		collection: client.Database(cfg.Database).Collection(CollectionName),
		log:        log.Named("mongo"),
		now:        time.Now,
	}

	if err := s.ensureLookupIndex(pingCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	s.log.Info("connected to MongoDB", zap.String("database", cfg.Database))
	return s, nil
}

func (s *Store) ensureLookupIndex(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, gomongo.IndexModel{
		Keys:    bson.D{{Key: fieldLookupHash, Value: 1}},
		Options: options.Index().SetName(lookupIndexName),
	})
	return classify("create lookup index", err)
}

// InsertMessage 写入消息，CreatedAt 精确到毫秒以匹配 BSON 日期精度
func (s *Store) InsertMessage(ctx context.Context, message *domain.Message) error {
	doc := toDocument(message)
	doc.ID = bson.NewObjectID()
	doc.CreatedAt = s.now().UTC().Truncate(time.Millisecond)

	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return classify("insert message", err)
	}

	message.ID = doc.ID.Hex()
	message.CreatedAt = doc.CreatedAt
	return nil
}

// ListMessagesByRecipient 返回未过期消息，按 createdAt 倒序
//
// TTL 监视器大约每分钟运行一次，查询条件里再按窗口过滤一次。
func (s *Store) ListMessagesByRecipient(ctx context.Context, lookupHash string) ([]domain.Message, error) {
	cutoff := s.now().UTC().Add(-domain.RetentionWindow)
	filter := bson.D{
		{Key: fieldLookupHash, Value: lookupHash},
		{Key: fieldCreatedAt, Value: bson.D{{Key: "$gt", Value: cutoff}}},
	}
	opts := options.Find().SetSort(bson.D{
		{Key: fieldCreatedAt, Value: -1},
		{Key: fieldID, Value: -1},
	})

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, classify("find messages", err)
	}

	var docs []messageDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, classify("decode messages", err)
	}

	result := make([]domain.Message, 0, len(docs))
	for _, doc := range docs {
		result = append(result, doc.toDomain())
	}
	return result, nil
}

// EnsureRetentionPolicy 维护 createdAt 上的 TTL 索引
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

// InspectExpiry 查找名为 createdAt_1 的索引
func (s *Store) InspectExpiry(ctx context.Context) (*storage.ExpiryIndex, error) {
	specs, err := s.collection.Indexes().ListSpecifications(ctx)
	if err != nil {
		return nil, classify("list indexes", err)
	}
	return expiryFromSpecs(specs), nil
}

func expiryFromSpecs(specs []gomongo.IndexSpecification) *storage.ExpiryIndex {
	for _, spec := range specs {
		if spec.Name != expiryIndexName {
			continue
		}
		idx := &storage.ExpiryIndex{Name: spec.Name, Window: -1}
		if spec.ExpireAfterSeconds != nil {
			idx.Window = time.Duration(*spec.ExpireAfterSeconds) * time.Second
		}
		return idx
	}
	return nil
}

// CreateExpiry 创建 TTL 索引
func (s *Store) CreateExpiry(ctx context.Context, window time.Duration) error {
	_, err := s.collection.Indexes().CreateOne(ctx, gomongo.IndexModel{
		Keys: bson.D{{Key: fieldCreatedAt, Value: 1}},
		Options: options.Index().
			SetName(expiryIndexName).
			SetExpireAfterSeconds(int32(window / time.Second)),
	})
	return classify("create expiry index", err)
}

// DropExpiry 删除 TTL 索引，并发删除导致的 IndexNotFound 视为成功
func (s *Store) DropExpiry(ctx context.Context) error {
	err := s.collection.Indexes().DropOne(ctx, expiryIndexName)
	if hasCode(err, codeIndexNotFound) {
		return nil
	}
	return classify("drop expiry index", err)
}

// Health 检查主节点可达
func (s *Store) Health(ctx context.Context) error {
	return classify("ping mongodb", s.client.Ping(ctx, readpref.Primary()))
}

// Close 断开连接
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// classify 把驱动错误映射到存储层错误
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case hasCode(err, codeNamespaceNotFound):
		return fmt.Errorf("%s: %w", op, storage.ErrContainerNotFound)
	case gomongo.IsNetworkError(err),
		gomongo.IsTimeout(err),
		errors.Is(err, gomongo.ErrClientDisconnected),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %w", op, storage.ErrStoreUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func hasCode(err error, code int) bool {
	if err == nil {
		return false
	}
	var se gomongo.ServerError
	return errors.As(err, &se) && se.HasErrorCode(code)
}

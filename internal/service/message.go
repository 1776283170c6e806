package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"anondrop/backend/internal/domain"
	"anondrop/backend/internal/logger"
	"anondrop/backend/internal/pool"
	"anondrop/backend/internal/storage"
)

// Sealer 负责消息字段的加解密和收件码哈希
type Sealer interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(token string) (string, error)
	HashRecipientCode(code string) string
}

// MessageStore 是服务依赖的存储能力
type MessageStore interface {
	storage.MessageRepository
	storage.RetentionRepository
}

// MessageNotifier 在新消息写入后收到加密记录
type MessageNotifier interface {
	NotifyNewMessage(ctx context.Context, message *domain.Message) error
}

// Recorder 记录业务指标，未设置时不记录
type Recorder interface {
	MessageSent(source string)
	MessagesFetched(count int)
	OpenFailed()
	RetentionMaintained(err error)
	MessagesPurged(count int64)
}

// SendInput 定义发送消息的输入
type SendInput struct {
	RecipientCode string
	SenderName    string
	Body          string
	// Source 标记入口（http / smtp），只用于指标
	Source string
}

const notifyTimeout = 5 * time.Second

// MessageService 封装匿名消息的发送与收取。
//
// 不做任何身份认证：持有收件码即可读取该收件码下的全部消息。
type MessageService struct {
	store   MessageStore
	sealer  Sealer
	log     *zap.Logger
	timeout time.Duration

	notifier MessageNotifier
	workers  *pool.WorkerPool
	metrics  Recorder
}

// NewMessageService 创建消息业务服务。
func NewMessageService(store MessageStore, sealer Sealer, log *zap.Logger) *MessageService {
	if log == nil {
		log = zap.NewNop()
	}
	return &MessageService{
		store:  store,
		sealer: sealer,
		log:    log.Named("message"),
	}
}

// SetOperationTimeout 设置单次存储操作的超时上限，0 表示只使用调用方的 ctx
func (s *MessageService) SetOperationTimeout(timeout time.Duration) {
	s.timeout = timeout
}

// SetNotifier 设置新消息通知，workers 为空时同步通知
func (s *MessageService) SetNotifier(notifier MessageNotifier, workers *pool.WorkerPool) {
	s.notifier = notifier
	s.workers = workers
}

// SetMetrics 设置指标记录器
func (s *MessageService) SetMetrics(metrics Recorder) {
	s.metrics = metrics
}

func (s *MessageService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Send 校验并加密消息后写入存储
//
// 收件码或正文为空返回 ErrMissingFields，不写入任何数据。
// 写入后维护过期策略，维护失败只记录日志。
func (s *MessageService) Send(ctx context.Context, input SendInput) (*domain.Message, error) {
	if input.RecipientCode == "" || input.Body == "" {
		return nil, ErrMissingFields
	}

	sender := strings.TrimSpace(input.SenderName)
	if sender == "" {
		sender = domain.DefaultSenderName
	}

	encryptedSender, err := s.sealer.Encrypt(sender)
	if err != nil {
		return nil, fmt.Errorf("seal sender name: %w", err)
	}
	encryptedBody, err := s.sealer.Encrypt(input.Body)
	if err != nil {
		return nil, fmt.Errorf("seal message body: %w", err)
	}

	message := &domain.Message{
		RecipientLookupHash: s.sealer.HashRecipientCode(input.RecipientCode),
		EncryptedSenderName: encryptedSender,
		EncryptedBody:       encryptedBody,
	}

	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.store.InsertMessage(opCtx, message); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	retentionErr := s.store.EnsureRetentionPolicy(opCtx)
	if retentionErr != nil {
		s.log.Warn("retention maintenance after insert failed", zap.Error(retentionErr))
	}
	if s.metrics != nil {
		s.metrics.RetentionMaintained(retentionErr)
		s.metrics.MessageSent(input.Source)
	}

	s.log.Debug("message stored",
		logger.LookupHash(message.RecipientLookupHash),
		zap.String("source", input.Source),
	)

	s.notify(message)
	return message, nil
}

// notify 异步通知订阅者，队列满时丢弃通知
func (s *MessageService) notify(message *domain.Message) {
	if s.notifier == nil {
		return
	}

	record := *message
	task := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		defer cancel()
		if err := s.notifier.NotifyNewMessage(ctx, &record); err != nil {
			s.log.Warn("new message notification failed", zap.Error(err))
		}
	}

	if s.workers == nil {
		task(context.Background())
		return
	}
	if !s.workers.TrySubmit(task) {
		s.log.Warn("notification queue full, dropping notification")
	}
}

// Fetch 返回收件码下所有未过期消息的明文，最新的在前
//
// 任何一条记录解密失败都会使整个请求失败。
func (s *MessageService) Fetch(ctx context.Context, recipientCode string) ([]domain.InboxMessage, error) {
	if recipientCode == "" {
		return nil, ErrAnonCodeRequired
	}

	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	records, err := s.store.ListMessagesByRecipient(opCtx, s.sealer.HashRecipientCode(recipientCode))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	inbox := make([]domain.InboxMessage, 0, len(records))
	for i := range records {
		opened, err := s.Open(&records[i])
		if err != nil {
			if s.metrics != nil {
				s.metrics.OpenFailed()
			}
			s.log.Error("stored message cannot be opened",
				zap.String("message_id", records[i].ID),
				zap.Error(err),
			)
			return nil, err
		}
		inbox = append(inbox, opened)
	}

	if s.metrics != nil {
		s.metrics.MessagesFetched(len(inbox))
	}
	return inbox, nil
}

// Open 解密一条记录
func (s *MessageService) Open(message *domain.Message) (domain.InboxMessage, error) {
	sender, err := s.sealer.Decrypt(message.EncryptedSenderName)
	if err != nil {
		return domain.InboxMessage{}, fmt.Errorf("open sender name: %w", err)
	}
	body, err := s.sealer.Decrypt(message.EncryptedBody)
	if err != nil {
		return domain.InboxMessage{}, fmt.Errorf("open message body: %w", err)
	}
	return domain.InboxMessage{
		SenderName:  sender,
		MessageText: body,
		CreatedAt:   message.CreatedAt,
	}, nil
}

// LookupHash 返回收件码对应的查找键
func (s *MessageService) LookupHash(recipientCode string) string {
	return s.sealer.HashRecipientCode(recipientCode)
}

// MaintainRetention 执行一次过期策略维护
func (s *MessageService) MaintainRetention(ctx context.Context) error {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.store.EnsureRetentionPolicy(opCtx)
	if s.metrics != nil {
		s.metrics.RetentionMaintained(err)
	}
	return err
}

// SupportsPurge 报告存储是否需要定时物理删除过期记录
func (s *MessageService) SupportsPurge() bool {
	_, ok := s.store.(storage.ExpiredMessagePurger)
	return ok
}

// PurgeExpired 删除过期记录，存储自带 TTL 时为空操作
func (s *MessageService) PurgeExpired(ctx context.Context) (int64, error) {
	purger, ok := s.store.(storage.ExpiredMessagePurger)
	if !ok {
		return 0, nil
	}

	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	removed, err := purger.PurgeExpiredMessages(opCtx)
	if err != nil {
		return 0, fmt.Errorf("purge expired messages: %w", err)
	}
	if s.metrics != nil {
		s.metrics.MessagesPurged(removed)
	}
	return removed, nil
}

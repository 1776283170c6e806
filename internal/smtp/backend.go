package smtp

import (
	"context"
	"errors"
	"io"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"anondrop/backend/internal/config"
	"anondrop/backend/internal/domain"
	"anondrop/backend/internal/logger"
	"anondrop/backend/internal/service"
)

const (
	// sourceSMTP 写入指标的入口标记
	sourceSMTP = "smtp"
	// maxRecipients 单封邮件的收件码上限
	maxRecipients = 20
	// deliverTimeout 单封邮件写入所有收件码的时间上限
	deliverTimeout = 30 * time.Second
)

// MessageSender 是 SMTP 入口依赖的消息服务能力
type MessageSender interface {
	Send(ctx context.Context, input service.SendInput) (*domain.Message, error)
}

// Backend 实现 go-smtp 的 Backend 接口。
//
// 只收不发：收件地址的本地部分就是收件码，域名必须是本服务的域名，
// 其他地址一律 550 拒绝，不会成为开放中继。发件人地址在解析后丢弃，
// 只保留 From 头里的显示名。
type Backend struct {
	messages        MessageSender
	domain          string
	maxMessageBytes int64
	log             *zap.Logger
}

// NewBackend 创建 SMTP Backend。
func NewBackend(messages MessageSender, servedDomain string, maxMessageBytes int64, log *zap.Logger) *Backend {
	if log == nil {
		log = zap.NewNop()
	}
	return &Backend{
		messages:        messages,
		domain:          servedDomain,
		maxMessageBytes: maxMessageBytes,
		log:             log.Named("smtp"),
	}
}

// NewServer 按配置创建 SMTP 服务器
func NewServer(backend *Backend, cfg config.SMTPConfig) *gosmtp.Server {
	server := gosmtp.NewServer(backend)
	server.Addr = cfg.BindAddr
	server.Domain = cfg.Domain
	server.ReadTimeout = 30 * time.Second
	server.WriteTimeout = 30 * time.Second
	server.MaxMessageBytes = cfg.MaxMessageBytes
	server.MaxRecipients = maxRecipients
	return server
}

// NewSession 创建新的 SMTP 会话。
func (b *Backend) NewSession(_ *gosmtp.Conn) (gosmtp.Session, error) {
	return &session{backend: b}, nil
}

type session struct {
	backend    *Backend
	recipients []string // 收件码
}

// Mail 处理 MAIL 命令，信封发件人不保存。
func (s *session) Mail(_ string, _ *gosmtp.MailOptions) error {
	return nil
}

// Rcpt 处理 RCPT 命令。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	code, err := domain.RecipientFromAddress(to, s.backend.domain)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrForeignDomain):
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "relay access denied",
		}
	default:
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}

	if len(s.recipients) >= maxRecipients {
		return &gosmtp.SMTPError{
			Code:         452,
			EnhancedCode: gosmtp.EnhancedCode{4, 5, 3},
			Message:      "too many recipients",
		}
	}
	s.recipients = append(s.recipients, code)
	return nil
}

// Data 处理邮件内容，为每个收件码写入一条匿名消息。
func (s *session) Data(r io.Reader) error {
	limit := s.backend.maxMessageBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	raw, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return err
	}
	if int64(len(raw)) > limit {
		return gosmtp.ErrDataTooLarge
	}

	parsed, err := ParseEmail(raw)
	if err != nil {
		s.backend.log.Debug("rejecting unparsable message", zap.Error(err))
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      "message could not be parsed",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	for _, code := range s.recipients {
		message, err := s.backend.messages.Send(ctx, service.SendInput{
			RecipientCode: code,
			SenderName:    parsed.SenderName,
			Body:          parsed.Body(),
			Source:        sourceSMTP,
		})
		if err != nil {
			return s.backend.sendError(err)
		}
		s.backend.log.Debug("smtp message stored", logger.LookupHash(message.RecipientLookupHash))
	}
	return nil
}

// sendError 把业务错误映射为 SMTP 应答
func (b *Backend) sendError(err error) error {
	var validation *service.ValidationError
	if errors.As(err, &validation) {
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      "message has no text content",
		}
	}

	b.log.Error("failed to store smtp message", zap.Error(err))
	return &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
		Message:      "temporary failure, try again later",
	}
}

// Reset 重置状态。
func (s *session) Reset() {
	s.recipients = nil
}

// Logout 会话结束。
func (s *session) Logout() error {
	return nil
}

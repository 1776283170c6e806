package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"anondrop/backend/internal/domain"
	"anondrop/backend/internal/service"
)

// MessageSender 定义 HTTP 层依赖的消息服务能力
type MessageSender interface {
	Send(ctx context.Context, input service.SendInput) (*domain.Message, error)
	Fetch(ctx context.Context, recipientCode string) ([]domain.InboxMessage, error)
}

// MessageHandler 处理匿名消息的发送与收取
type MessageHandler struct {
	messages MessageSender
	log      *zap.Logger
}

// NewMessageHandler 创建消息处理器
func NewMessageHandler(messages MessageSender, log *zap.Logger) *MessageHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &MessageHandler{messages: messages, log: log.Named("messages")}
}

// SendMessage 处理 POST /messages
func (h *MessageHandler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := decodeJSON(c.Request.Body, &req); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			Fail(c, http.StatusRequestEntityTooLarge, MsgBodyTooLarge)
			return
		}
		Fail(c, http.StatusBadRequest, MsgInvalidJSON)
		return
	}

	_, err := h.messages.Send(c.Request.Context(), service.SendInput{
		RecipientCode: req.RecipientAnonCode,
		SenderName:    req.SenderName,
		Body:          req.MessageContent,
		Source:        "http",
	})
	if err != nil {
		h.logFailure("send message failed", err)
		FailWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, messageResponse{Message: MsgMessageSent})
}

// FetchMessages 处理 GET /messages?anonCode=
func (h *MessageHandler) FetchMessages(c *gin.Context) {
	inbox, err := h.messages.Fetch(c.Request.Context(), c.Query("anonCode"))
	if err != nil {
		h.logFailure("fetch messages failed", err)
		FailWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, inboxResponse{Messages: inbox})
}

func (h *MessageHandler) logFailure(msg string, err error) {
	var validation *service.ValidationError
	if errors.As(err, &validation) {
		return
	}
	h.log.Error(msg, zap.Error(err))
}

// decodeJSON 解析请求体，只接受单个 JSON 对象
func decodeJSON(body io.Reader, dst any) error {
	decoder := json.NewDecoder(body)
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("unexpected data after JSON object")
	}
	return nil
}

package httptransport

import (
	"github.com/gin-gonic/gin"

	"anondrop/backend/internal/domain"
)

// errorResponse 错误响应 {"error": "..."}
type errorResponse struct {
	Error string `json:"error"`
}

// messageResponse 操作结果响应 {"message": "..."}
type messageResponse struct {
	Message string `json:"message"`
}

// inboxResponse 收件箱响应，messages 为空时返回 []
type inboxResponse struct {
	Messages []domain.InboxMessage `json:"messages"`
}

// sendMessageRequest 发送消息请求体
type sendMessageRequest struct {
	RecipientAnonCode string `json:"recipientAnonCode"`
	SenderName        string `json:"senderName"`
	MessageContent    string `json:"messageContent"`
}

// healthResponse /health 汇总响应
type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Fail 返回错误响应并中止后续处理
func Fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: msg})
}

// FailWithError 按错误类型返回响应
func FailWithError(c *gin.Context, err error) {
	status, msg := statusFor(err)
	_ = c.Error(err)
	Fail(c, status, msg)
}

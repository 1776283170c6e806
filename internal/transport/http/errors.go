package httptransport

import (
	"errors"
	"net/http"

	"anondrop/backend/internal/service"
)

// 返回给客户端的错误消息，沿用已有客户端依赖的英文文案
const (
	MsgInvalidJSON      = "Invalid JSON"
	MsgBodyTooLarge     = "Request body too large"
	MsgInternalError    = "Internal server error"
	MsgNotFound         = "Not found"
	MsgMethodNotAllowed = "Method not allowed"
	MsgMessageSent      = "Message sent"
)

// statusFor 把业务错误映射为 HTTP 状态码和对外消息
//
// 校验错误原样返回其消息，其他错误一律返回 500 和通用消息，不泄露内部细节。
func statusFor(err error) (int, string) {
	var validation *service.ValidationError
	if errors.As(err, &validation) {
		return http.StatusBadRequest, validation.Message
	}

	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return http.StatusRequestEntityTooLarge, MsgBodyTooLarge
	}

	return http.StatusInternalServerError, MsgInternalError
}

package service

// ValidationError 表示调用方输入不合法，Message 可以直接返回给客户端
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

var (
	// ErrMissingFields 收件码或正文为空
	ErrMissingFields = &ValidationError{Message: "Missing fields"}
	// ErrAnonCodeRequired 查询时收件码为空
	ErrAnonCodeRequired = &ValidationError{Message: "Anon code required"}
)

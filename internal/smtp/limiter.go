package smtp

import (
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// busyReply 超出速率时直接写给客户端的应答
const busyReply = "421 4.7.0 Too many connections, try again later\r\n"

// LimitedListener 对新建 SMTP 连接做令牌桶限流
//
// 超出速率的连接收到 421 后立即关闭，不会进入 go-smtp 的会话处理。
type LimitedListener struct {
	net.Listener
	limiter  *rate.Limiter
	rejected atomic.Int64
	log      *zap.Logger
}

// NewLimitedListener 包装 listener，每秒最多接受 perSecond 个新连接，允许 burst 突发
func NewLimitedListener(listener net.Listener, perSecond float64, burst int, log *zap.Logger) *LimitedListener {
	if log == nil {
		log = zap.NewNop()
	}
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &LimitedListener{
		Listener: listener,
		limiter:  rate.NewLimiter(limit, burst),
		log:      log.Named("smtp"),
	}
}

// Accept 返回下一个未被限流的连接
func (l *LimitedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if l.limiter.Allow() {
			return conn, nil
		}

		l.rejected.Add(1)
		l.log.Debug("smtp connection rate limited", zap.String("remote_addr", conn.RemoteAddr().String()))
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_, _ = conn.Write([]byte(busyReply))
		_ = conn.Close()
	}
}

// Rejected 返回被拒绝的连接数
func (l *LimitedListener) Rejected() int64 {
	return l.rejected.Load()
}

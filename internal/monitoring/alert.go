package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"anondrop/backend/internal/storage"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert 告警
type Alert struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Level      AlertLevel `json:"level"`
	Component  string     `json:"component"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// AlertRule 告警规则
//
// 同一规则同时最多只有一条活跃告警，条件恢复后自动解除。
type AlertRule struct {
	ID        string
	Name      string
	Condition func(ctx context.Context) bool
	Level     AlertLevel
	Component string
	Message   string
	Cooldown  time.Duration
}

// AlertReceiver 告警接收器接口
type AlertReceiver interface {
	SendAlert(alert *Alert) error
}

// AlertManager 告警管理器
type AlertManager struct {
	mu            sync.RWMutex
	alerts        map[string]*Alert
	rules         []AlertRule
	lastTriggered map[string]time.Time
	receivers     []AlertReceiver
	logger        *zap.Logger
	now           func() time.Time
}

// NewAlertManager 创建告警管理器
func NewAlertManager(logger *zap.Logger) *AlertManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertManager{
		alerts:        make(map[string]*Alert),
		lastTriggered: make(map[string]time.Time),
		logger:        logger.Named("alert"),
		now:           time.Now,
	}
}

// AddReceiver 添加告警接收器
func (am *AlertManager) AddReceiver(receiver AlertReceiver) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.receivers = append(am.receivers, receiver)
}

// AddRule 添加告警规则
func (am *AlertManager) AddRule(rule AlertRule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.rules = append(am.rules, rule)
}

// TriggerAlert 触发告警，相同 ID 的告警未解除时忽略
func (am *AlertManager) TriggerAlert(alert *Alert) {
	am.mu.Lock()
	if existing, ok := am.alerts[alert.ID]; ok && !existing.Resolved {
		am.mu.Unlock()
		return
	}
	am.alerts[alert.ID] = alert
	receivers := append([]AlertReceiver(nil), am.receivers...)
	am.mu.Unlock()

	for _, receiver := range receivers {
		if err := receiver.SendAlert(alert); err != nil {
			am.logger.Error("failed to send alert",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
		}
	}

	am.logger.Info("alert triggered",
		zap.String("alert_id", alert.ID),
		zap.String("level", string(alert.Level)),
		zap.String("component", alert.Component),
	)
}

// ResolveAlert 解除告警
func (am *AlertManager) ResolveAlert(alertID string) {
	am.mu.Lock()
	defer am.mu.Unlock()

	alert, ok := am.alerts[alertID]
	if !ok || alert.Resolved {
		return
	}
	now := am.now()
	alert.Resolved = true
	alert.ResolvedAt = &now

	am.logger.Info("alert resolved", zap.String("alert_id", alertID))
}

// GetActiveAlerts 获取活跃告警
func (am *AlertManager) GetActiveAlerts() []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	alerts := make([]Alert, 0)
	for _, alert := range am.alerts {
		if !alert.Resolved {
			alerts = append(alerts, *alert)
		}
	}
	return alerts
}

// CheckRules 检查所有告警规则
func (am *AlertManager) CheckRules(ctx context.Context) {
	am.mu.RLock()
	rules := append([]AlertRule(nil), am.rules...)
	am.mu.RUnlock()

	for _, rule := range rules {
		if !rule.Condition(ctx) {
			am.ResolveAlert(rule.ID)
			continue
		}

		now := am.now()
		am.mu.Lock()
		last := am.lastTriggered[rule.ID]
		if !last.IsZero() && now.Sub(last) < rule.Cooldown {
			am.mu.Unlock()
			continue
		}
		am.lastTriggered[rule.ID] = now
		am.mu.Unlock()

		am.TriggerAlert(&Alert{
			ID:        rule.ID,
			Title:     rule.Name,
			Message:   rule.Message,
			Level:     rule.Level,
			Component: rule.Component,
			Timestamp: now,
		})
	}
}

// StartMonitoring 按 interval 周期检查规则，直到 ctx 取消
func (am *AlertManager) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			am.CheckRules(ctx)
		}
	}
}

// ========== 内置告警规则 ==========

// HighMemoryUsageRule 高内存使用告警规则，顺带更新内存指标
func HighMemoryUsageRule(metrics *Metrics, thresholdMB float64) AlertRule {
	return AlertRule{
		ID:   "high_memory_usage",
		Name: "High Memory Usage",
		Condition: func(context.Context) bool {
			return metrics.SampleMemory() > thresholdMB
		},
		Level:     AlertLevelWarning,
		Component: "memory",
		Message:   fmt.Sprintf("Memory usage exceeds %.0f MB", thresholdMB),
		Cooldown:  5 * time.Minute,
	}
}

// StoreUnreachableRule 消息存储不可达告警规则
func StoreUnreachableRule(checker storage.HealthChecker, timeout time.Duration) AlertRule {
	return AlertRule{
		ID:   "message_store_unreachable",
		Name: "Message Store Unreachable",
		Condition: func(ctx context.Context) bool {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return checker.Health(ctx) != nil
		},
		Level:     AlertLevelCritical,
		Component: "store",
		Message:   "Message store health check failed",
		Cooldown:  time.Minute,
	}
}

// NotificationDropRule 新消息通知被丢弃告警规则
//
// dropped 返回累计丢弃数，两次检查之间有增长即触发。
func NotificationDropRule(dropped func() int64) AlertRule {
	var mu sync.Mutex
	var seen int64
	return AlertRule{
		ID:   "notifications_dropped",
		Name: "Notifications Dropped",
		Condition: func(context.Context) bool {
			mu.Lock()
			defer mu.Unlock()
			current := dropped()
			grew := current > seen
			seen = current
			return grew
		},
		Level:     AlertLevelWarning,
		Component: "notifier",
		Message:   "Live inbox notifications are being dropped, worker queue is full",
		Cooldown:  5 * time.Minute,
	}
}

// ========== 告警接收器实现 ==========

// LogAlertReceiver 日志告警接收器
type LogAlertReceiver struct {
	logger *zap.Logger
}

// NewLogAlertReceiver 创建日志告警接收器
func NewLogAlertReceiver(logger *zap.Logger) *LogAlertReceiver {
	return &LogAlertReceiver{logger: logger}
}

// SendAlert 发送告警到日志
func (r *LogAlertReceiver) SendAlert(alert *Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("title", alert.Title),
		zap.String("message", alert.Message),
		zap.String("component", alert.Component),
		zap.Time("timestamp", alert.Timestamp),
	}

	switch alert.Level {
	case AlertLevelCritical:
		r.logger.Error("CRITICAL ALERT", fields...)
	case AlertLevelWarning:
		r.logger.Warn("WARNING ALERT", fields...)
	default:
		r.logger.Info("INFO ALERT", fields...)
	}
	return nil
}

package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	xerrors "OpenMCP-Gateway/internal/errors"
	"OpenMCP-Gateway/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog      Channel = "log"
	ChannelRabbitMQ Channel = "rabbitmq"
)

// Kind 标识确认生命周期中的事件类型。
type Kind string

const (
	KindConfirmationRequested Kind = "confirmation_requested"
	KindConfirmationDecided   Kind = "confirmation_decided"
	KindConfirmationExpired   Kind = "confirmation_expired"
	KindOperationExecuted     Kind = "operation_executed"
	KindOperationCancelled    Kind = "operation_cancelled"
	KindOperationFailed       Kind = "operation_failed"
)

// Event 描述一次需要外发的事件。
type Event struct {
	Kind           Kind              `json:"kind"`
	Code           xerrors.Code      `json:"code,omitempty"`
	ConfirmationID string            `json:"confirmation_id"`
	RunID          string            `json:"run_id,omitempty"`
	Operation      string            `json:"operation,omitempty"`
	Severity       xerrors.Severity  `json:"severity"`
	Message        string            `json:"message"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// WithError 用错误的错误码、严重程度和附加信息填充事件。
func (e Event) WithError(err error) Event {
	if err == nil {
		return e
	}
	e.Code = xerrors.CodeOf(err)
	e.Severity = xerrors.SeverityOf(err)
	if xe, ok := xerrors.From(err); ok {
		for k, v := range xe.Metadata() {
			if e.Metadata == nil {
				e.Metadata = make(map[string]string)
			}
			if _, exists := e.Metadata[k]; !exists {
				e.Metadata[k] = v
			}
		}
	}
	return e
}

// DefaultNotifyTimeout 是单个通知器的默认投递时限。
const DefaultNotifyTimeout = 5 * time.Second

// FanoutDispatcher 按渠道名称顺序把事件投递给每个通知器，
// 单个通知器失败不影响其余渠道。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
	timeout   time.Duration
}

// NewFanout 创建 FanoutDispatcher，同一渠道只保留最后一个通知器。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			set[n.Channel()] = n
		}
	}
	return &FanoutDispatcher{notifiers: set, timeout: DefaultNotifyTimeout}
}

// WithTimeout 设置单个通知器的投递时限，d <= 0 表示只使用调用方的 ctx。
func (d *FanoutDispatcher) WithTimeout(timeout time.Duration) *FanoutDispatcher {
	if d != nil {
		d.timeout = timeout
	}
	return d
}

// Channels 返回已注册的渠道，按名称排序。
func (d *FanoutDispatcher) Channels() []Channel {
	if d == nil {
		return nil
	}
	out := make([]Channel, 0, len(d.notifiers))
	for ch := range d.notifiers {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Notify 将事件投递至所有渠道，返回合并后的错误。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil || len(d.notifiers) == 0 {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for _, ch := range d.Channels() {
		if err := d.deliver(ctx, d.notifiers[ch], event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}

func (d *FanoutDispatcher) deliver(ctx context.Context, n Notifier, event Event) error {
	if d.timeout <= 0 {
		return n.Notify(ctx, event)
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return n.Notify(ctx, event)
}

// LogNotifier 将事件写入审计日志。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录事件。
func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	log := logger.Audit()
	if n != nil && n.Logger != nil {
		log = n.Logger
	}
	attrs := []any{
		slog.String("kind", string(event.Kind)),
		slog.String("confirmation_id", event.ConfirmationID),
		slog.String("run_id", event.RunID),
		slog.String("operation", event.Operation),
		slog.String("severity", string(event.Severity)),
	}
	if event.Code != "" {
		attrs = append(attrs, slog.String("error_code", string(event.Code)))
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String("meta_"+k, v))
	}
	level := slog.LevelInfo
	switch event.Severity {
	case xerrors.SeverityWarning:
		level = slog.LevelWarn
	case xerrors.SeverityCritical:
		level = slog.LevelError
	}
	log.Log(ctx, level, event.Message, attrs...)
	return nil
}

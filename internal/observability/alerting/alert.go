package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/slack-go/slack"

	xerrors "CognitiveMesh/internal/errors"
	"CognitiveMesh/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog   Channel = "log"
	ChannelSlack Channel = "slack"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	PathwayID  string
	Chain      string
	Stage      string
	Attempts   int
	Metadata   map[string]string
	OccurredAt time.Time
}

// NewEvent 依据错误码属性构造告警事件。
func NewEvent(cause error, pathwayID, chain, stage string) Event {
	code := xerrors.CodeOf(cause)
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	return Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		PathwayID:  pathwayID,
		Chain:      chain,
		Stage:      stage,
		OccurredAt: time.Now().UTC(),
	}
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

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 把告警写入日志。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录告警。
func (LogNotifier) Notify(ctx context.Context, event Event) error {
	level := slog.LevelWarn
	if event.Severity == xerrors.SeverityCritical {
		level = slog.LevelError
	}
	logger.Named("alerting").LogAttrs(ctx, level, "告警",
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("pathway_id", event.PathwayID),
		slog.String("chain", event.Chain),
		slog.String("stage", event.Stage),
		slog.Int("attempts", event.Attempts),
		slog.String("message", event.Message),
	)
	return nil
}

// SlackSender 负责向 Slack 渠道发送消息。
type SlackSender interface {
	Send(ctx context.Context, channel, content string) error
}

// SlackNotifier 通过 Slack 发送告警。
type SlackNotifier struct {
	Sender    SlackSender
	ChannelID string
}

// Channel 返回 Slack 渠道。
func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 发送 Slack 消息。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || n.ChannelID == "" {
		logger.L().Warn("SlackNotifier 未正确配置，跳过发送", slog.String("pathway_id", event.PathwayID))
		return nil
	}
	return n.Sender.Send(ctx, n.ChannelID, FormatSlack(event))
}

// FormatSlack 渲染 Slack 消息正文。
func FormatSlack(event Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*[%s]* %s - %s", event.Severity, event.Code, event.Message)
	if event.PathwayID != "" {
		fmt.Fprintf(&b, "\n通路: `%s`", event.PathwayID)
	}
	if event.Chain != "" {
		fmt.Fprintf(&b, " 链: %s", event.Chain)
	}
	if event.Stage != "" {
		fmt.Fprintf(&b, " 阶段: %s (第 %d 次)", event.Stage, event.Attempts)
	}
	if len(event.Metadata) > 0 {
		keys := make([]string, 0, len(event.Metadata))
		for k := range event.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- %s: %s", k, event.Metadata[k])
		}
	}
	return b.String()
}

// SlackAPISender 使用 Slack Web API 发送消息。
type SlackAPISender struct {
	client *slack.Client
}

// NewSlackAPISender 创建基于 bot token 的发送器。
func NewSlackAPISender(token string) *SlackAPISender {
	return &SlackAPISender{client: slack.New(token)}
}

// Send 实现 SlackSender。
func (s *SlackAPISender) Send(ctx context.Context, channel, content string) error {
	_, _, err := s.client.PostMessageContext(ctx, channel, slack.MsgOptionText(content, false))
	return err
}

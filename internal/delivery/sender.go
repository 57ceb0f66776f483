package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/autoscouter/autoscouter/internal/db"
)

// Delivery channels.
const (
	ChannelEmail = "email"
	ChannelPush  = "push"
)

// ErrPermanent marks a send failure that retrying cannot fix, such as a
// malformed payload or a rejected recipient address. Wrap it with
// fmt.Errorf("...: %w", ErrPermanent) in senders.
var ErrPermanent = errors.New("permanent delivery failure")

// Outbound is one notification bound for one channel.
type Outbound struct {
	Channel      string
	Notification *db.Notification
	Prefs        *db.Preferences
}

// Sender is the unified interface for all delivery channels.
// Implementations: Email (SES), Push (SNS), Log (development).
type Sender interface {
	Send(ctx context.Context, out *Outbound) error
	SupportsChannel(channel string) bool
}

// MultiSender routes an outbound notification to the first sender that
// supports its channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over multiple underlying senders.
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the outbound message to the appropriate sender.
func (m *MultiSender) Send(ctx context.Context, out *Outbound) error {
	for _, sender := range m.senders {
		if sender.SupportsChannel(out.Channel) {
			m.logger.Debug("routing notification to sender",
				zap.String("channel", out.Channel),
				zap.String("notification_id", out.Notification.ID.String()),
			)
			return sender.Send(ctx, out)
		}
	}

	return fmt.Errorf("no sender found for channel %s: %w", out.Channel, ErrPermanent)
}

// SupportsChannel checks if any underlying sender supports the channel.
func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender logs notifications instead of delivering them. Used in
// development and as the fallback when no AWS credentials are configured.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, out *Outbound) error {
	s.logger.Info("logging notification (development mode)",
		zap.String("id", out.Notification.ID.String()),
		zap.String("channel", out.Channel),
		zap.String("user_id", out.Notification.UserID.String()),
		zap.String("title", out.Notification.Title),
		zap.Any("content", json.RawMessage(out.Notification.Content)),
	)
	return nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	return channel == ChannelEmail || channel == ChannelPush
}

package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"
)

// SNSSender delivers mobile push notifications via AWS SNS platform
// endpoints. The user's preferences hold the endpoint ARN registered by
// the mobile client.
type SNSSender struct {
	client *sns.Client
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

// pushMessage is the JSON envelope published to the SNS endpoint.
type pushMessage struct {
	NotificationID string          `json:"notification_id"`
	Type           string          `json:"type"`
	Title          string          `json:"title"`
	Message        string          `json:"message"`
	Content        json.RawMessage `json:"content,omitempty"`
}

// NewSNSSender creates a push sender backed by AWS SNS.
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSSender{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send publishes one notification to the user's registered endpoint.
func (s *SNSSender) Send(ctx context.Context, out *Outbound) error {
	if out.Channel != ChannelPush {
		return fmt.Errorf("SNS sender only supports push, got: %s", out.Channel)
	}

	target := out.Prefs.PushTarget
	if target == "" {
		return fmt.Errorf("no push target on preferences: %w", ErrPermanent)
	}

	msg := pushMessage{
		NotificationID: out.Notification.ID.String(),
		Type:           out.Notification.Type,
		Title:          out.Notification.Title,
		Message:        out.Notification.Message,
		Content:        out.Notification.Content,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal push message: %w", err)
	}

	input := &sns.PublishInput{
		TargetArn: aws.String(target),
		Message:   aws.String(string(body)),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("push sent via SNS",
		zap.String("id", out.Notification.ID.String()),
		zap.String("message_id", *result.MessageId),
	)

	return nil
}

// SupportsChannel checks if this sender supports the push channel.
func (s *SNSSender) SupportsChannel(channel string) bool {
	return channel == ChannelPush
}

package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// SESSender delivers notification emails via AWS SES.
type SESSender struct {
	client  *ses.Client
	from    string
	baseURL string
	logger  *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
	BaseURL   string
}

// contentPayload mirrors the structured content stored on a notification.
// Fields the email does not render are left out.
type contentPayload struct {
	Listing struct {
		ID           string `json:"id"`
		Make         string `json:"make"`
		Model        string `json:"model"`
		Variant      string `json:"variant"`
		Year         *int   `json:"year"`
		Price        *int   `json:"price"`
		Currency     string `json:"currency"`
		Mileage      *int   `json:"mileage"`
		FuelType     string `json:"fuel_type"`
		Transmission string `json:"transmission"`
		City         string `json:"city"`
		DealerName   string `json:"dealer_name"`
		URL          string `json:"url"`
	} `json:"listing"`
	MatchPercentage int `json:"match_percentage"`
}

var emailBodyTmpl = template.Must(template.New("email").Parse(`{{.Message}}

{{- with .Content}}

{{.Listing.Make}} {{.Listing.Model}}{{if .Listing.Variant}} {{.Listing.Variant}}{{end}}
{{- if .Listing.Year}}
Year:         {{.Listing.Year}}{{end}}
{{- if .Listing.Price}}
Price:        {{.Listing.Price}} {{if .Listing.Currency}}{{.Listing.Currency}}{{else}}EUR{{end}}{{end}}
{{- if .Listing.Mileage}}
Mileage:      {{.Listing.Mileage}} km{{end}}
{{- if .Listing.FuelType}}
Fuel:         {{.Listing.FuelType}}{{end}}
{{- if .Listing.Transmission}}
Transmission: {{.Listing.Transmission}}{{end}}
{{- if .Listing.City}}
Location:     {{.Listing.City}}{{end}}
{{- if .Listing.DealerName}}
Dealer:       {{.Listing.DealerName}}{{end}}

Match score: {{.MatchPercentage}}%
{{- if .Listing.URL}}

View the listing: {{.Listing.URL}}{{end}}
{{- end}}

Manage your alerts: {{.BaseURL}}/alerts
`))

type emailTmplData struct {
	Message string
	Content *contentPayload
	BaseURL string
}

// NewSESSender creates an email sender backed by AWS SES.
func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESSender{
		client:  ses.NewFromConfig(awsCfg),
		from:    cfg.FromEmail,
		baseURL: cfg.BaseURL,
		logger:  logger,
	}, nil
}

// Send renders and sends one notification email.
func (s *SESSender) Send(ctx context.Context, out *Outbound) error {
	if out.Channel != ChannelEmail {
		return fmt.Errorf("SES sender only supports email, got: %s", out.Channel)
	}

	to := out.Prefs.EmailAddress
	if to == "" {
		return fmt.Errorf("no email address on preferences: %w", ErrPermanent)
	}

	body, err := s.renderBody(out)
	if err != nil {
		return fmt.Errorf("render email body: %w", err)
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(out.Notification.Title),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("email sent via SES",
		zap.String("id", out.Notification.ID.String()),
		zap.String("to", to),
		zap.String("message_id", *result.MessageId),
	)

	return nil
}

func (s *SESSender) renderBody(out *Outbound) (string, error) {
	data := emailTmplData{
		Message: out.Notification.Message,
		BaseURL: s.baseURL,
	}

	if len(out.Notification.Content) > 0 {
		var content contentPayload
		if err := json.Unmarshal(out.Notification.Content, &content); err == nil {
			data.Content = &content
		}
	}

	var buf bytes.Buffer
	if err := emailBodyTmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// SupportsChannel checks if this sender supports the email channel.
func (s *SESSender) SupportsChannel(channel string) bool {
	return channel == ChannelEmail
}

package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gopkg.in/gomail.v2"
)

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMTPEmailSender sends plain text mail through a gomail dialer.
type SMTPEmailSender struct {
	*gomail.Dialer
	From string
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func NewSMTPEmailSender(cfg SMTPConfig) *SMTPEmailSender {
	return &SMTPEmailSender{
		Dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		From:   cfg.From,
	}
}

func (s *SMTPEmailSender) SendEmail(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := gomail.NewMessage()
	msg.SetHeader("From", s.From)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)
	return s.DialAndSend(msg)
}

// EmailDeliverer delivers jobs whose recipient is an email address.
type EmailDeliverer struct {
	sender EmailSender
}

func NewEmailDeliverer(sender EmailSender) *EmailDeliverer {
	return &EmailDeliverer{sender: sender}
}

func (d *EmailDeliverer) Deliver(ctx context.Context, j *Job) error {
	return d.sender.SendEmail(ctx, j.Recipient, j.Payload.Title, j.Payload.Body)
}

// PushChannelPrefix prefixes the per-recipient Redis channel that the push
// gateway subscribes to.
const PushChannelPrefix = "consent:notify:"

// PushMessage is what the push gateway receives.
type PushMessage struct {
	JobID   int64          `json:"jobId,string"`
	Type    string         `json:"type"`
	Title   string         `json:"title"`
	Body    string         `json:"body"`
	Data    map[string]any `json:"data,omitempty"`
	Attempt int            `json:"attempt"`
}

// PushDeliverer publishes jobs to Redis for the push gateway.
type PushDeliverer struct {
	rdb redis.UniversalClient
}

func NewPushDeliverer(rdb redis.UniversalClient) *PushDeliverer {
	return &PushDeliverer{rdb: rdb}
}

// Deliver fails when no gateway is subscribed, so the job is retried rather
// than silently dropped.
func (d *PushDeliverer) Deliver(ctx context.Context, j *Job) error {
	raw, err := json.Marshal(PushMessage{
		JobID:   j.ID,
		Type:    j.Type,
		Title:   j.Payload.Title,
		Body:    j.Payload.Body,
		Data:    j.Payload.Data,
		Attempt: j.Attempts,
	})
	if err != nil {
		return fmt.Errorf("encode push message: %w", err)
	}
	receivers, err := d.rdb.Publish(ctx, PushChannelPrefix+j.Recipient, raw).Result()
	if err != nil {
		return fmt.Errorf("publish push message: %w", err)
	}
	if receivers == 0 {
		return fmt.Errorf("no push gateway subscribed for %s", j.Recipient)
	}
	return nil
}

// LogDeliverer writes jobs to the log. It is the development deliverer.
type LogDeliverer struct {
	logger zerolog.Logger
}

func NewLogDeliverer(logger zerolog.Logger) *LogDeliverer {
	return &LogDeliverer{logger: logger.With().Str("component", "notification_log").Logger()}
}

func (d *LogDeliverer) Deliver(_ context.Context, j *Job) error {
	d.logger.Info().
		Int64("job_id", j.ID).
		Str("type", j.Type).
		Str("recipient", j.Recipient).
		Str("grant_id", j.GrantID()).
		Str("title", j.Payload.Title).
		Msg("notification delivered")
	return nil
}

// Router dispatches to a deliverer by job channel.
type Router map[Channel]Deliverer

func (r Router) Deliver(ctx context.Context, j *Job) error {
	d, ok := r[j.Channel]
	if !ok {
		return fmt.Errorf("no deliverer for channel %q", j.Channel)
	}
	return d.Deliver(ctx, j)
}

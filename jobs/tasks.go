package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-billing/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = "mail:send"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data), nil
}

// SendEmailJob delivers TaskTypeSendEmail tasks over SMTP. Without an SMTP
// address the mail is only logged.
type SendEmailJob struct {
	Addr   string
	From   string
	Auth   smtp.Auth
	Logger *slog.Logger

	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSendEmailJob constructs the mail handler.
func NewSendEmailJob(addr, from string, logger *slog.Logger) *SendEmailJob {
	return &SendEmailJob{Addr: addr, From: from, Logger: logger, send: smtp.SendMail}
}

// Handle processes TaskTypeSendEmail tasks.
func (j *SendEmailJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("send email: handler not configured")
	}
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.To == "" {
		j.log().Warn("dropping mail without recipient", slog.String("subject", payload.Subject))
		return asynq.SkipRetry
	}
	if j.Addr == "" {
		j.log().Info("mail delivery disabled", slog.String("to", payload.To), slog.String("subject", payload.Subject))
		return nil
	}
	send := j.send
	if send == nil {
		send = smtp.SendMail
	}
	if err := send(j.Addr, j.Auth, j.From, []string{payload.To}, buildMessage(j.From, payload)); err != nil {
		j.log().Error("send mail", slog.String("to", payload.To), slog.Any("error", err))
		return fmt.Errorf("send email: %w", err)
	}
	j.log().Info("mail sent", slog.String("to", payload.To), slog.String("subject", payload.Subject))
	return nil
}

func (j *SendEmailJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskTypeSendEmail))
	}
	return slog.Default().With(slog.String("job", TaskTypeSendEmail))
}

func buildMessage(from string, payload SendEmailPayload) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", payload.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", strings.ReplaceAll(payload.Subject, "\n", " "))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(payload.Body, "\n", "\r\n"))
	return []byte(b.String())
}

package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

type Email struct {
	Body        string
	Server      string
	Port        int
	Sender      string
	Recipients  []string
	Subject     string
	Username    string
	Password    string
	HostName    string
	ContentType string
	// StartTLS requires STARTTLS; otherwise it is used when offered.
	StartTLS bool
}

// Validate reports every missing required field at once.
func (e Email) Validate() error {
	var missing []string
	if strings.TrimSpace(e.Server) == "" {
		missing = append(missing, "server")
	}
	if strings.TrimSpace(e.Sender) == "" {
		missing = append(missing, "sender")
	}
	if len(e.Recipients) == 0 {
		missing = append(missing, "recipients")
	}
	if strings.TrimSpace(e.Subject) == "" {
		missing = append(missing, "subject")
	}
	if e.Username != "" && e.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing email fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

type Mailer interface {
	Send(ctx context.Context, e Email) error
}

// SMTPMailer delivers mail with go-mail.
type SMTPMailer struct {
	Timeout time.Duration
}

func (m SMTPMailer) Send(ctx context.Context, e Email) error {
	port := e.Port
	if port == 0 {
		port = 25
	}
	policy := mail.TLSOpportunistic
	if e.StartTLS {
		policy = mail.TLSMandatory
	}
	opts := []mail.Option{mail.WithPort(port), mail.WithTLSPolicy(policy)}
	if m.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(m.Timeout))
	}
	if e.Username != "" {
		opts = append(opts, mail.WithSMTPAuth(mail.SMTPAuthPlain), mail.WithUsername(e.Username), mail.WithPassword(e.Password))
	}
	if e.HostName != "" {
		opts = append(opts, mail.WithHELO(e.HostName))
	}
	client, err := mail.NewClient(e.Server, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	msg := mail.NewMsg()
	if err := msg.From(e.Sender); err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	if err := msg.To(e.Recipients...); err != nil {
		return fmt.Errorf("recipients: %w", err)
	}
	msg.Subject(e.Subject)
	contentType := mail.TypeTextPlain
	if strings.Contains(strings.ToLower(e.ContentType), "html") {
		contentType = mail.TypeTextHTML
	}
	msg.SetBodyString(contentType, e.Body)
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Email sends a message. Missing required fields fail the action and are
// reported on the next custom report.
func (b *Bus) Email(ctx context.Context, e Email) error {
	if b.Destroyed() {
		return ErrDestroyed
	}
	if err := e.Validate(); err != nil {
		return b.done(KindEmail, err)
	}
	if b.exec.Mailer == nil {
		return b.done(KindEmail, errors.New("no mailer configured"))
	}
	if b.exec.Limits.SMTPTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.exec.Limits.SMTPTimeout)
		defer cancel()
	}
	return b.done(KindEmail, b.exec.Mailer.Send(ctx, e))
}

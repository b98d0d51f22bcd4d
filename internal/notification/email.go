package notification

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"text/template"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/xerrors"

	"cdr.dev/slog"

	"github.com/smukkama/commute-monitor/internal/protocol"
	"github.com/smukkama/commute-monitor/pkg/config"
)

var rerouteTemplate = template.Must(template.New("reroute").Funcs(template.FuncMap{
	"km": func(meters any) string {
		switch m := meters.(type) {
		case int:
			return fmt.Sprintf("%.1f km", float64(m)/1000)
		case float64:
			return fmt.Sprintf("%.1f km", m/1000)
		}
		return fmt.Sprint(meters)
	},
}).Parse(`
Probable Reroute Detected
=========================

Route: {{.RouteName}}
From: {{.OriginAddress}}
To: {{.DestinationAddress}}
Detected At: {{.DetectedAt.Format "2006-01-02 15:04 MST"}}

Current Distance: {{km .DistanceMeters}}
Previous Distance: {{km .PreviousMeters}}
Typical Distance (median): {{km .MedianMeters}}
Threshold: {{km .ThresholdMeters}}

Description:
The last two samples of this route were both longer than the session's
typical distance by more than the configured margin. The provider is
most likely routing around a closure or an incident.

---
Commute Monitor Notification System
`))

// EmailNotifier sends reroute alerts by e-mail.
type EmailNotifier struct {
	config *config.SMTPConfig
	clock  quartz.Clock
	logger slog.Logger
}

// NewEmailNotifier creates a new email notifier
func NewEmailNotifier(cfg *config.SMTPConfig, clock quartz.Clock, logger slog.Logger) *EmailNotifier {
	return &EmailNotifier{config: cfg, clock: clock, logger: logger}
}

// Configured reports whether an SMTP host is set.
func (e *EmailNotifier) Configured() bool {
	return e.config.Host != ""
}

// SendRerouteAlert e-mails a reroute event. Without an SMTP host the
// message is only logged.
func (e *EmailNotifier) SendRerouteAlert(ctx context.Context, event *protocol.RerouteEvent) error {
	subject := fmt.Sprintf("Reroute detected - %s", event.RouteName)
	if event.RouteName == "" {
		subject = fmt.Sprintf("Reroute detected - route %s", event.RouteID)
	}

	var body bytes.Buffer
	if err := rerouteTemplate.Execute(&body, event); err != nil {
		return xerrors.Errorf("render reroute email: %w", err)
	}

	return e.sendEmail(ctx, subject, body.String())
}

func (e *EmailNotifier) sendEmail(ctx context.Context, subject, body string) error {
	if !e.Configured() {
		e.logger.Info(ctx, "SMTP not configured, skipping email",
			slog.F("subject", subject),
			slog.F("body", body))
		return nil
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", e.config.From)
	fmt.Fprintf(&msg, "To: %s\r\n", e.config.To)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "Date: %s\r\n", e.clock.Now("notification", "date").Format(time.RFC1123Z))
	msg.WriteString("\r\n")
	msg.WriteString(body)

	var auth smtp.Auth
	if e.config.Username != "" {
		auth = smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)
	}

	addr := net.JoinHostPort(e.config.Host, strconv.Itoa(e.config.Port))
	if err := smtp.SendMail(addr, auth, e.config.From, []string{e.config.To}, msg.Bytes()); err != nil {
		return xerrors.Errorf("send email: %w", err)
	}

	e.logger.Info(ctx, "email sent", slog.F("subject", subject))
	return nil
}

// TestConnection dials the SMTP server.
func (e *EmailNotifier) TestConnection() error {
	if !e.Configured() {
		return xerrors.New("SMTP not configured")
	}

	client, err := smtp.Dial(net.JoinHostPort(e.config.Host, strconv.Itoa(e.config.Port)))
	if err != nil {
		return xerrors.Errorf("connect to SMTP server: %w", err)
	}
	return client.Close()
}

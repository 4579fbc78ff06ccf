package tools

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"net/smtp"
	"strings"
	"time"
)

// Mailer drafts emails as .eml artifacts and, when an SMTP relay is
// configured and dry_run is false, sends them.
type Mailer struct {
	addr   string
	from   string
	arts   *Artifacts
	logger *slog.Logger
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewMailer creates a Mailer. An empty addr keeps every email a dry run.
func NewMailer(addr, from string, arts *Artifacts, logger *slog.Logger) *Mailer {
	if from == "" {
		from = "parley@localhost"
	}
	return &Mailer{addr: addr, from: from, arts: arts, logger: logger, send: smtp.SendMail}
}

func (m *Mailer) compose(to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

// DraftSend saves the message and optionally delivers it.
func (m *Mailer) DraftSend(ctx context.Context, args map[string]any) (Result, error) {
	to := strings.TrimSpace(str(args, "to"))
	addr, err := mail.ParseAddress(to)
	if err != nil {
		return Result{}, Fail("InvalidRecipient", "%q: %v", to, err)
	}
	subject := str(args, "subject")
	if strings.ContainsAny(subject, "\r\n") {
		return Result{}, Fail("InvalidSubject", "subject must be a single line")
	}

	msg := m.compose(addr.String(), subject, str(args, "body"))
	path, err := m.arts.SaveBytes("email-draft", "eml", msg)
	if err != nil {
		return Result{}, err
	}

	status := "dry-run"
	if !boolean(args, "dry_run", true) && m.addr != "" {
		if err := ctx.Err(); err != nil {
			return Result{}, Fail("Cancelled", "%v", err)
		}
		if err := m.send(m.addr, nil, m.from, []string{addr.Address}, msg); err != nil {
			return Result{}, Fail("SMTPError", "send to %s: %v", addr.Address, err)
		}
		status = "sent"
		m.logger.Info("email: sent", "to", addr.Address)
	}

	verb := "drafted"
	if status == "sent" {
		verb = "sent"
	}
	return Result{
		OK:        true,
		Text:      fmt.Sprintf("Email %s to %s.", verb, addr.Address),
		Artifacts: []Artifact{{Kind: "email", Path: path}},
		Fields: map[string]any{
			"status":        status,
			"artifact_path": path,
			"to":            addr.Address,
			"subject":       subject,
		},
	}, nil
}

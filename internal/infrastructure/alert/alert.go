// Package alert sends operator notification email over SMTP: telling an
// operator when a batch of submissions had to be force-retired.
package alert

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"

	"github.com/sogos/xqueue-dispatch/internal/domain/entity"
)

// Client sends operator alert email via SMTP.
type Client struct {
	host       string
	port       string
	from       string
	username   string
	password   string
	adminEmail string
}

// NewClient creates a new alert mailer. adminEmail may be empty, in which
// case SendForceRetireAlert is a no-op — alerting is best-effort and never
// blocks the maintenance job it's reporting on.
func NewClient(host, port, from, username, password, adminEmail string) *Client {
	return &Client{host: host, port: port, from: from, username: username, password: password, adminEmail: adminEmail}
}

const forceRetireTemplate = `<!DOCTYPE html>
<html>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;">
  <h2>{{len .Submissions}} submission(s) force-retired</h2>
  <p>The following submissions were force-retired by {{.Reason}}:</p>
  <table border="1" cellpadding="6" cellspacing="0">
    <tr><th>ID</th><th>Queue</th><th>Failures</th><th>Callback URL</th></tr>
    {{range .Submissions}}
    <tr><td>{{.ID}}</td><td>{{.QueueName}}</td><td>{{.NumFailures}}</td><td>{{.LMSCallbackURL}}</td></tr>
    {{end}}
  </table>
</body>
</html>`

// SendForceRetireAlert emails the admin a summary of subs, force-retired by
// the named maintenance job (e.g. "retire_failed_submissions" or
// "push_orphaned_submissions").
func (c *Client) SendForceRetireAlert(ctx context.Context, reason string, subs []*entity.Submission) error {
	if c.adminEmail == "" || len(subs) == 0 {
		return nil
	}

	subject := fmt.Sprintf("xqueue: %d submission(s) force-retired by %s", len(subs), reason)

	tmpl, err := template.New("force-retire").Parse(forceRetireTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse alert template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, struct {
		Reason      string
		Submissions []*entity.Submission
	}{Reason: reason, Submissions: subs}); err != nil {
		return fmt.Errorf("failed to render alert email: %w", err)
	}

	return c.sendEmail(c.adminEmail, subject, buf.String())
}

func (c *Client) sendEmail(to, subject, body string) error {
	addr := fmt.Sprintf("%s:%s", c.host, c.port)

	msg := fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/html; charset=\"UTF-8\"\r\n"+
		"\r\n"+
		"%s", c.from, to, subject, body)

	var auth smtp.Auth
	if c.username != "" {
		auth = smtp.PlainAuth("", c.username, c.password, c.host)
	}

	if err := smtp.SendMail(addr, auth, c.from, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("failed to send alert email: %w", err)
	}
	return nil
}

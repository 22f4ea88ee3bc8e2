// Package email sends transactional mail via SMTP. It is the fallback
// transport when push delivery is impossible.
package email

import (
	"crypto/tls"
	"fmt"
	"html"
	"net"
	"net/smtp"
	"strings"
)

// Sender sends emails via SMTP.
type Sender struct {
	host        string
	port        int
	username    string
	password    string
	fromAddress string
	useTLS      bool
}

// NewSender creates a new Sender with the given SMTP configuration.
func NewSender(host string, port int, username, password, fromAddress string, useTLS bool) *Sender {
	return &Sender{
		host:        host,
		port:        port,
		username:    username,
		password:    password,
		fromAddress: fromAddress,
		useTLS:      useTLS,
	}
}

// SendStoryReady sends the story-ready template. The mail carries the
// title and the artifact id only; the story itself is fetched in-app.
func (s *Sender) SendStoryReady(to, storyTitle, artifactID string) error {
	subject := fmt.Sprintf("Your story %q is ready!", storyTitle)
	body := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body>
  <h2>Your story is ready</h2>
  <p><strong>%s</strong> has finished generating.</p>
  <p>Open the StoryNest app to read it together.</p>
  <p><a href="https://app.storynest.example.com/stories/%s">Open story</a></p>
</body>
</html>`, html.EscapeString(storyTitle), artifactID)

	return s.SendEmail(to, subject, body)
}

// SendEmail sends an email with the given subject and HTML body to the specified recipient.
func (s *Sender) SendEmail(to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	auth := smtp.PlainAuth("", s.username, s.password, s.host)

	headers := []string{
		fmt.Sprintf("From: %s", s.fromAddress),
		fmt.Sprintf("To: %s", to),
		fmt.Sprintf("Subject: %s", subject),
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=UTF-8",
	}
	msg := []byte(strings.Join(headers, "\r\n") + "\r\n\r\n" + body)

	if s.useTLS {
		return s.sendWithTLS(addr, auth, to, msg)
	}

	return smtp.SendMail(addr, auth, s.fromAddress, []string{to}, msg)
}

// sendWithTLS sends an email over an explicit TLS connection.
func (s *Sender) sendWithTLS(addr string, auth smtp.Auth, to string, msg []byte) error {
	tlsConfig := &tls.Config{
		ServerName: s.host,
	}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("tls dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("split host port: %w", err)
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("new smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if err = client.Auth(auth); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}

	if err = client.Mail(s.fromAddress); err != nil {
		return fmt.Errorf("smtp mail: %w", err)
	}

	if err = client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}

	if _, err = w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	if err = w.Close(); err != nil {
		return fmt.Errorf("close data writer: %w", err)
	}

	return client.Quit()
}

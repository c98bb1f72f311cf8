package alert

import (
	"fmt"
	"net/smtp"
)

type SMTPSender struct {
	from     string
	fromName string
	host     string
	port     string
	user     string
	pass     string
}

func NewSMTPSender(from, fromName, host, port, user, pass string) *SMTPSender {
	return &SMTPSender{from: from, fromName: fromName, host: host, port: port, user: user, pass: pass}
}

func (s *SMTPSender) Send(to, subject, body string) error {
	message := fmt.Sprintf("From: %s <%s>\r\n", s.fromName, s.from)
	message += fmt.Sprintf("To: %s\r\n", to)
	message += fmt.Sprintf("Subject: %s\r\n", subject)
	message += "\r\n" + body

	var auth smtp.Auth
	if s.user != "" && s.pass != "" {
		auth = smtp.PlainAuth("", s.user, s.pass, s.host)
	}

	return smtp.SendMail(s.host+":"+s.port, auth, s.from, []string{to}, []byte(message))
}

package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"rent-radar/internal/model"
)

// EmailConfig 邮件配置。
type EmailConfig struct {
	Host          string `yaml:"host" json:"host"`
	Port          int    `yaml:"port" json:"port"`
	Username      string `yaml:"username" json:"username"`
	Password      string `yaml:"password" json:"password"`
	From          string `yaml:"from" json:"from"`
	SubjectPrefix string `yaml:"subject_prefix" json:"subject_prefix"`
}

// EmailMessage 表示一封邮件。
type EmailMessage struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// EmailSender 抽象发送接口，便于测试替换。
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// SMTPClient 封装 SMTP 发送。
type SMTPClient struct {
	addr string
	auth smtp.Auth
}

func NewSMTPClient(cfg EmailConfig) *SMTPClient {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	var auth smtp.Auth
	if cfg.Username != "" && cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTPClient{addr: addr, auth: auth}
}

// Send 发送邮件；net/smtp 不支持 context，超时后返回但底层连接会自行结束。
func (c *SMTPClient) Send(ctx context.Context, msg EmailMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data := buildEmailData(msg)
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(c.addr, c.auth, msg.From, msg.To, []byte(data))
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ErrNoRecipient 订阅没有可用的邮箱地址。
var ErrNoRecipient = errors.New("subscription has no email address")

// EmailDeliverer 每条新房源发送一封邮件。
type EmailDeliverer struct {
	cfg    EmailConfig
	sender EmailSender
}

// NewEmailDeliverer 创建 EmailDeliverer。
func NewEmailDeliverer(cfg EmailConfig, sender EmailSender) *EmailDeliverer {
	if sender == nil {
		sender = NewSMTPClient(cfg)
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "New listing"
	}
	return &EmailDeliverer{cfg: cfg, sender: sender}
}

// Deliver 发送单条房源邮件。
func (d *EmailDeliverer) Deliver(ctx context.Context, sub model.Subscription, l model.Listing) error {
	to := strings.TrimSpace(sub.Address)
	if to == "" {
		return ErrNoRecipient
	}
	msg := EmailMessage{
		From:    d.cfg.From,
		To:      []string{to},
		Subject: fmt.Sprintf("%s: %s", d.cfg.SubjectPrefix, l.Title),
		Body:    buildBody(l),
	}
	if err := d.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func buildBody(l model.Listing) string {
	var b strings.Builder
	b.WriteString(l.Title + "\n\n")
	b.WriteString("Price: " + formatOptional(l.Price, "€%d / month") + "\n")
	b.WriteString("Bedrooms: " + formatBedrooms(l.Bedrooms) + "\n")
	b.WriteString("Bathrooms: " + formatOptional(l.Bathrooms, "%d") + "\n")
	if l.Address != "" {
		b.WriteString("Address: " + l.Address + "\n")
	}
	if l.PropertyType != "" {
		b.WriteString("Type: " + string(l.PropertyType) + "\n")
	}
	if l.Description != "" {
		b.WriteString("\n" + l.Description + "\n")
	}
	b.WriteString("\n" + l.URL + "\n")
	return b.String()
}

func formatOptional(v *int, format string) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf(format, *v)
}

func formatBedrooms(v *int) string {
	if v != nil && *v == model.StudioBedroomCount {
		return "studio"
	}
	return formatOptional(v, "%d")
}

func buildEmailData(msg EmailMessage) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("From: %s\r\n", msg.From))
	b.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(msg.To, ",")))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(msg.Body)
	return b.String()
}

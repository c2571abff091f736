// Package transport 组装并通过 SMTP 发送邮件
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"ezreply/internal/model"
	"ezreply/pkg/config"
	"ezreply/pkg/otel"
	"ezreply/pkg/util"
)

// Endpoint 一个 SMTP 服务端和它的凭据
type Endpoint struct {
	Host     string
	Port     int
	Security string
	Username string
	Password string
}

// AccountEndpoint 托管邮箱自己的发信端点，密码须已解密
func AccountEndpoint(a model.MailboxAccount) Endpoint {
	return Endpoint{
		Host:     a.SMTPHost,
		Port:     a.SMTPPort,
		Security: a.SMTPSecurity,
		Username: a.Username,
		Password: a.Password,
	}
}

// ConfigEndpoint 通知用的发信端点
func ConfigEndpoint(cfg config.SMTPConfig) Endpoint {
	return Endpoint{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Security: cfg.Security,
		Username: cfg.Username,
		Password: cfg.Password,
	}
}

// SMTPSender 每次发送建立一个新连接
type SMTPSender struct {
	timeout time.Duration
}

func NewSMTPSender(timeout time.Duration) *SMTPSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SMTPSender{timeout: timeout}
}

// Send 组装并发送，失败返回 util.ErrDispatch
func (s *SMTPSender) Send(ctx context.Context, ep Endpoint, out *Outbound) (err error) {
	ctx, span := otel.StartSpan(ctx, "smtp.send")
	defer func() { otel.End(span, err) }()

	if ep.Host == "" {
		return fmt.Errorf("%w: smtp host not configured", util.ErrConfigurationMissing)
	}
	raw, err := Compose(out)
	if err != nil {
		return fmt.Errorf("%w: composing: %v", util.ErrDispatch, err)
	}

	c, err := s.dial(ctx, ep)
	if err != nil {
		return fmt.Errorf("%w: %v", util.ErrDispatch, err)
	}
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	if ep.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", ep.Username, ep.Password)); err != nil {
			return fmt.Errorf("%w: smtp auth: %v", util.ErrDispatch, err)
		}
	}
	if err := c.SendMail(out.From, []string{out.To}, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("%w: smtp send: %v", util.ErrDispatch, err)
	}
	_ = c.Quit()
	return nil
}

func (s *SMTPSender) dial(ctx context.Context, ep Endpoint) (*smtp.Client, error) {
	addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
	dialer := &net.Dialer{Timeout: s.timeout}
	tlsCfg := &tls.Config{ServerName: ep.Host}

	switch ep.Security {
	case model.SecurityNone:
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("smtp dial %s: %w", addr, err)
		}
		return smtp.NewClient(conn), nil
	case model.SecurityStartTLS:
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("smtp dial %s: %w", addr, err)
		}
		c, err := smtp.NewClientStartTLS(conn, tlsCfg)
		if err != nil {
			return nil, fmt.Errorf("smtp starttls %s: %w", addr, err)
		}
		return c, nil
	default:
		conn, err := (&tls.Dialer{NetDialer: dialer, Config: tlsCfg}).DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("smtp tls dial %s: %w", addr, err)
		}
		return smtp.NewClient(conn), nil
	}
}

package transport

import (
	"context"
	"fmt"

	"ezreply/pkg/config"
	"ezreply/pkg/util"
)

// MailNotifier 通过固定的通知邮箱给账号主人发提醒
type MailNotifier struct {
	sender   *SMTPSender
	endpoint Endpoint
	from     string
}

func NewMailNotifier(sender *SMTPSender, cfg config.SMTPConfig) *MailNotifier {
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	return &MailNotifier{sender: sender, endpoint: ConfigEndpoint(cfg), from: from}
}

func (n *MailNotifier) Notify(ctx context.Context, to, subject, body string) error {
	if to == "" {
		return fmt.Errorf("%w: no notify address", util.ErrConfigurationMissing)
	}
	return n.sender.Send(ctx, n.endpoint, &Outbound{
		FromName: "ezreply",
		From:     n.from,
		To:       to,
		Subject:  subject,
		Text:     body,
	})
}

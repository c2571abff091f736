package mailbox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"ezreply/internal/model"
	"ezreply/pkg/util"
)

// Parse 把一封原始 RFC 5322 邮件解析成 ParsedMessage
// 无法解析或没有发件人时返回 util.ErrParseFailure
func Parse(uid uint32, raw []byte) (model.ParsedMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return model.ParsedMessage{}, fmt.Errorf("%w: uid %d: %v", util.ErrParseFailure, uid, err)
	}
	defer mr.Close()

	h := mr.Header
	msg := model.ParsedMessage{UID: uid}

	from, err := h.AddressList("From")
	if err != nil || len(from) == 0 {
		return model.ParsedMessage{}, fmt.Errorf("%w: uid %d: missing or invalid From", util.ErrParseFailure, uid)
	}
	msg.From = strings.ToLower(from[0].Address)

	if to, err := h.AddressList("To"); err == nil && len(to) > 0 {
		addrs := make([]string, 0, len(to))
		for _, a := range to {
			addrs = append(addrs, strings.ToLower(a.Address))
		}
		msg.To = strings.Join(addrs, ",")
	}

	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = h.Get("Subject")
	}
	if id, err := h.MessageID(); err == nil {
		msg.MessageID = id
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		msg.InReplyTo = ids[0]
	}
	if date, err := h.Date(); err == nil {
		msg.Date = date
	}
	msg.AutoSubmitted = isAutoSubmitted(h)

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			if msg.BodyText == "" && msg.BodyHTML == "" {
				return model.ParsedMessage{}, fmt.Errorf("%w: uid %d: %v", util.ErrParseFailure, uid, err)
			}
			break
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			ct, _, _ := ph.ContentType()
			switch {
			case strings.HasPrefix(ct, "text/html"):
				if msg.BodyHTML == "" {
					msg.BodyHTML = string(body)
				}
			case ct == "" || strings.HasPrefix(ct, "text/plain"):
				if msg.BodyText == "" {
					msg.BodyText = string(body)
				}
			}
		case *mail.AttachmentHeader:
			filename, _ := ph.Filename()
			ct, _, _ := ph.ContentType()
			n, _ := io.Copy(io.Discard, part.Body)
			msg.Attachments = append(msg.Attachments, model.Attachment{
				Filename:    filename,
				ContentType: ct,
				Size:        n,
			})
		}
	}

	msg.BodyText = strings.TrimSpace(strings.ReplaceAll(msg.BodyText, "\r\n", "\n"))
	return msg, nil
}

// isAutoSubmitted 自动回复、群发、退信等不需要回复的邮件
func isAutoSubmitted(h mail.Header) bool {
	if v := strings.ToLower(strings.TrimSpace(h.Get("Auto-Submitted"))); v != "" && v != "no" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(h.Get("Precedence"))) {
	case "bulk", "junk", "list", "auto_reply":
		return true
	}
	for _, k := range []string{"X-Autoreply", "X-Autorespond", "X-Auto-Response-Suppress"} {
		if h.Has(k) {
			return true
		}
	}
	return false
}

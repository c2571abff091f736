package transport

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// Outbound 一封待发送的邮件
type Outbound struct {
	FromName   string
	From       string
	To         string
	Subject    string
	Text       string
	HTML       string
	MessageID  string // 不带尖括号，为空时 Compose 生成
	InReplyTo  string
	References []string
	Date       time.Time
}

// ReplySubject 已经以 Re: 开头时原样返回
func ReplySubject(subject string) string {
	s := strings.TrimSpace(subject)
	if len(s) >= 3 && strings.EqualFold(s[:3], "re:") {
		return s
	}
	return "Re: " + s
}

// NewMessageID 生成 <uuid@domain> 中的 id 部分
func NewMessageID(from string) string {
	return uuid.NewString() + "@" + messageIDDomain(from)
}

// StableMessageID 相同 seed 得到相同的 id，重试发送时 Message-ID 不变
func StableMessageID(from, seed string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String() + "@" + messageIDDomain(from)
}

func messageIDDomain(from string) string {
	if at := strings.LastIndexByte(from, '@'); at >= 0 && at < len(from)-1 {
		return from[at+1:]
	}
	return "localhost"
}

// Compose 生成 MIME 邮件，有 HTML 时为 multipart/alternative
func Compose(out *Outbound) ([]byte, error) {
	if out.MessageID == "" {
		out.MessageID = NewMessageID(out.From)
	}
	if out.Date.IsZero() {
		out.Date = time.Now()
	}

	var h mail.Header
	h.SetDate(out.Date)
	h.SetAddressList("From", []*mail.Address{{Name: out.FromName, Address: out.From}})
	h.SetAddressList("To", []*mail.Address{{Address: out.To}})
	h.SetSubject(out.Subject)
	h.SetMessageID(out.MessageID)
	if out.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{out.InReplyTo})
	}
	if len(out.References) > 0 {
		h.SetMsgIDList("References", out.References)
	}

	var buf bytes.Buffer
	if out.HTML == "" {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("creating writer: %w", err)
		}
		if _, err := io.WriteString(w, out.Text); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("creating writer: %w", err)
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return nil, err
	}
	for _, p := range []struct{ ct, body string }{{"text/plain", out.Text}, {"text/html", out.HTML}} {
		var ph mail.InlineHeader
		ph.SetContentType(p.ct, map[string]string{"charset": "utf-8"})
		pw, err := iw.CreatePart(ph)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(pw, p.body); err != nil {
			return nil, err
		}
		if err := pw.Close(); err != nil {
			return nil, err
		}
	}
	if err := iw.Close(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ezreply/internal/model"
	"ezreply/pkg/util"
)

func TestReplySubject(t *testing.T) {
	assert.Equal(t, "Re: Urgent!! need refund", ReplySubject("Urgent!! need refund"))
	assert.Equal(t, "Re: hello", ReplySubject("Re: hello"))
	assert.Equal(t, "RE: hello", ReplySubject("RE: hello"))
	assert.Equal(t, "Re: Red alert", ReplySubject("Red alert"))
}

func TestStableMessageID(t *testing.T) {
	a := StableMessageID("bot@example.com", "reply:7")
	assert.Equal(t, a, StableMessageID("bot@example.com", "reply:7"))
	assert.NotEqual(t, a, StableMessageID("bot@example.com", "reply:8"))
	assert.True(t, strings.HasSuffix(a, "@example.com"))
	assert.True(t, strings.HasSuffix(NewMessageID("nodomain"), "@localhost"))
}

func TestComposePlainReply(t *testing.T) {
	out := &Outbound{
		FromName:   "Dana",
		From:       "me@y.com",
		To:         "c@x.com",
		Subject:    ReplySubject("Urgent!! need refund"),
		Text:       "On it.",
		InReplyTo:  "m1@x.com",
		References: []string{"m0@x.com", "m1@x.com"},
	}
	raw, err := Compose(out)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out.MessageID, "@y.com"))

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)
	subject, _ := mr.Header.Subject()
	assert.Equal(t, "Re: Urgent!! need refund", subject)
	irt, _ := mr.Header.MsgIDList("In-Reply-To")
	assert.Equal(t, []string{"m1@x.com"}, irt)
	refs, _ := mr.Header.MsgIDList("References")
	assert.Equal(t, []string{"m0@x.com", "m1@x.com"}, refs)
	id, _ := mr.Header.MessageID()
	assert.Equal(t, out.MessageID, id)

	part, err := mr.NextPart()
	require.NoError(t, err)
	body, _ := io.ReadAll(part.Body)
	assert.Equal(t, "On it.", string(body))
}

func TestComposeAlternative(t *testing.T) {
	raw, err := Compose(&Outbound{From: "me@y.com", To: "c@x.com", Subject: "s", Text: "plain", HTML: "<b>html</b>"})
	require.NoError(t, err)

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)
	var types []string
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if h, ok := p.Header.(*mail.InlineHeader); ok {
			ct, _, _ := h.ContentType()
			types = append(types, ct)
		}
	}
	assert.Equal(t, []string{"text/plain", "text/html"}, types)
}

type received struct {
	user string
	from string
	to   []string
	data string
}

type backend struct {
	mu   sync.Mutex
	msgs []received
}

func (b *backend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &session{b: b}, nil
}

type session struct {
	b   *backend
	cur received
}

func (s *session) AuthMechanisms() []string { return []string{sasl.Plain} }

func (s *session) Auth(string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username != "u" || password != "p" {
			return errors.New("bad credentials")
		}
		s.cur.user = username
		return nil
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.cur.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.cur.to = append(s.cur.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.cur.data = string(b)
	s.b.mu.Lock()
	s.b.msgs = append(s.b.msgs, s.cur)
	s.b.mu.Unlock()
	return nil
}

func (s *session) Reset()        { s.cur = received{user: s.cur.user} }
func (s *session) Logout() error { return nil }

func startServer(t *testing.T) (*backend, int) {
	t.Helper()
	be := &backend{}
	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })
	return be, l.Addr().(*net.TCPAddr).Port
}

func TestSMTPSenderDelivers(t *testing.T) {
	be, port := startServer(t)
	ep := Endpoint{Host: "127.0.0.1", Port: port, Security: model.SecurityNone, Username: "u", Password: "p"}

	err := NewSMTPSender(5*time.Second).Send(context.Background(), ep, &Outbound{
		From: "me@y.com", To: "c@x.com", Subject: "Re: hi", Text: "hello",
	})
	require.NoError(t, err)

	be.mu.Lock()
	defer be.mu.Unlock()
	require.Len(t, be.msgs, 1)
	assert.Equal(t, "u", be.msgs[0].user)
	assert.Equal(t, "me@y.com", be.msgs[0].from)
	assert.Equal(t, []string{"c@x.com"}, be.msgs[0].to)
	assert.Contains(t, be.msgs[0].data, "Subject: Re: hi")
}

func TestSMTPSenderFailures(t *testing.T) {
	_, port := startServer(t)
	sender := NewSMTPSender(time.Second)
	out := &Outbound{From: "me@y.com", To: "c@x.com", Subject: "s", Text: "t"}

	err := sender.Send(context.Background(), Endpoint{Host: "127.0.0.1", Port: port, Security: model.SecurityNone, Username: "u", Password: "wrong"}, out)
	assert.ErrorIs(t, err, util.ErrDispatch)

	err = sender.Send(context.Background(), Endpoint{}, out)
	assert.ErrorIs(t, err, util.ErrConfigurationMissing)
}

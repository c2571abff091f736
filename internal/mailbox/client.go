package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"slices"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"ezreply/internal/model"
	"ezreply/pkg/util"
)

// FetchedMessage 一封拉取到的邮件，解析失败时 Err 非空
type FetchedMessage struct {
	UID     uint32
	Message model.ParsedMessage
	Err     error
}

// Client 一个已登录并选中 INBOX 的 IMAP 连接
// go-imap 的命令不接受 ctx，ctx 取消时直接关闭底层连接
type Client struct {
	c           *imapclient.Client
	uidValidity uint32
}

// Dial 连接、登录并 SELECT INBOX，失败时返回 util.ErrTransientIO
func Dial(ctx context.Context, account model.MailboxAccount, timeout time.Duration) (*Client, error) {
	if account.IMAPHost == "" || account.Username == "" {
		return nil, fmt.Errorf("%w: account %d has no IMAP settings", util.ErrConfigurationMissing, account.ID)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	addr := net.JoinHostPort(account.IMAPHost, strconv.Itoa(account.IMAPPort))
	opts := &imapclient.Options{TLSConfig: &tls.Config{ServerName: account.IMAPHost}}

	var (
		c   *imapclient.Client
		err error
	)
	switch account.IMAPSecurity {
	case model.SecurityStartTLS:
		c, err = imapclient.DialStartTLS(addr, opts)
	case model.SecurityNone:
		var conn net.Conn
		conn, err = (&net.Dialer{Timeout: timeout}).DialContext(ctx, "tcp", addr)
		if err == nil {
			c = imapclient.New(conn, opts)
		}
	default:
		c, err = imapclient.DialTLS(addr, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to IMAP %s: %v", util.ErrTransientIO, addr, err)
	}

	client := &Client{c: c}
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	if err := c.Login(account.Username, account.Password).Wait(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%w: IMAP login for %s: %v", util.ErrTransientIO, account.Username, err)
	}
	sel, err := c.Select("INBOX", nil).Wait()
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%w: selecting INBOX: %v", util.ErrTransientIO, err)
	}
	client.uidValidity = sel.UIDValidity
	return client, nil
}

// UIDValidity SELECT 时服务器返回的 UIDVALIDITY
func (cl *Client) UIDValidity() uint32 {
	return cl.uidValidity
}

// FetchUnseen 按 UID 升序返回 UID 大于 afterUID 的未读邮件，BODY.PEEK 不会设置 \Seen
func (cl *Client) FetchUnseen(ctx context.Context, afterUID uint32, limit int) ([]FetchedMessage, error) {
	stop := context.AfterFunc(ctx, func() { _ = cl.c.Close() })
	defer stop()

	var window imap.UIDSet
	window.AddRange(imap.UID(afterUID+1), 0)
	data, err := cl.c.UIDSearch(&imap.SearchCriteria{
		UID:     []imap.UIDSet{window},
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("%w: searching unseen: %v", util.ErrTransientIO, err)
	}

	// N:* 在 N 超过最大 UID 时仍会命中最后一封
	uids := slices.DeleteFunc(data.AllUIDs(), func(uid imap.UID) bool { return uint32(uid) <= afterUID })
	if len(uids) == 0 {
		return nil, nil
	}
	slices.Sort(uids)
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}

	section := &imap.FetchItemBodySection{Peek: true}
	cmd := cl.c.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	defer cmd.Close()

	var out []FetchedMessage
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			return nil, fmt.Errorf("%w: fetching message: %v", util.ErrTransientIO, err)
		}
		uid := uint32(buf.UID)
		raw := buf.FindBodySection(section)
		if raw == nil {
			out = append(out, FetchedMessage{UID: uid, Err: fmt.Errorf("%w: uid %d: empty body", util.ErrParseFailure, uid)})
			continue
		}
		parsed, perr := Parse(uid, raw)
		out = append(out, FetchedMessage{UID: uid, Message: parsed, Err: perr})
	}
	if err := cmd.Close(); err != nil {
		return nil, fmt.Errorf("%w: fetch: %v", util.ErrTransientIO, err)
	}

	slices.SortFunc(out, func(a, b FetchedMessage) int { return int(int64(a.UID) - int64(b.UID)) })
	return out, nil
}

// MarkSeen 给一封邮件加 \Seen
func (cl *Client) MarkSeen(ctx context.Context, uid uint32) error {
	stop := context.AfterFunc(ctx, func() { _ = cl.c.Close() })
	defer stop()

	err := cl.c.Store(imap.UIDSetNum(imap.UID(uid)), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("%w: marking uid %d seen: %v", util.ErrTransientIO, uid, err)
	}
	return nil
}

// Close 登出并关闭连接
func (cl *Client) Close() error {
	_ = cl.c.Logout().Wait()
	return cl.c.Close()
}

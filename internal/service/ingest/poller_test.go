package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ezreply/internal/mailbox"
	"ezreply/internal/model"
	"ezreply/pkg/util"
)

type fakeMailbox struct {
	mu       sync.Mutex
	validity uint32
	messages []mailbox.FetchedMessage
	fetchErr error
	seen     []uint32
	closed   bool
}

func (m *fakeMailbox) UIDValidity() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validity
}

func (m *fakeMailbox) FetchUnseen(_ context.Context, afterUID uint32, limit int) ([]mailbox.FetchedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	seen := map[uint32]bool{}
	for _, uid := range m.seen {
		seen[uid] = true
	}
	var out []mailbox.FetchedMessage
	for _, fm := range m.messages {
		if fm.UID > afterUID && !seen[fm.UID] && len(out) < limit {
			out = append(out, fm)
		}
	}
	return out, nil
}

func (m *fakeMailbox) MarkSeen(_ context.Context, uid uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, uid)
	return nil
}

func (m *fakeMailbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *fakeMailbox) seenUIDs() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint32(nil), m.seen...)
}

// dialer 按账号返回对应的 fakeMailbox，缺失时模拟连接失败
func dialer(boxes map[int64]*fakeMailbox) DialFunc {
	return func(_ context.Context, account model.MailboxAccount) (Mailbox, error) {
		if account.Password == "" {
			return nil, errors.New("credentials not resolved")
		}
		mb, ok := boxes[account.ID]
		if !ok {
			return nil, util.ErrTransientIO
		}
		return mb, nil
	}
}

func fetched(msg model.ParsedMessage) mailbox.FetchedMessage {
	return mailbox.FetchedMessage{UID: msg.UID, Message: msg}
}

func TestPollAccountMarksOnlyAcceptedSeen(t *testing.T) {
	acct := testAccount(model.KindAssignment)
	db := newMemDB(acct)
	p := newTestPipeline(db, &fakeClassifier{result: model.Classification{UrgencyLevel: 5}})

	good := testMessage()
	auto := testMessage()
	auto.UID, auto.MessageID, auto.BodyText, auto.AutoSubmitted = 12, "auto@client.example", "out of office", true
	box := &fakeMailbox{messages: []mailbox.FetchedMessage{
		fetched(good),
		fetched(auto),
		{UID: 13, Err: util.ErrParseFailure},
	}}

	poller := NewPoller(db, db, dialer(map[int64]*fakeMailbox{1: box}), p, PollerConfig{}, zap.NewNop())
	res := poller.PollAccount(context.Background(), acct)

	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, 1, res.Accepted)
	assert.Equal(t, 1, res.NotActionable)
	assert.Equal(t, 1, res.ParseFailures)
	assert.Equal(t, []uint32{11}, box.seenUIDs())
	assert.True(t, box.closed)

	assert.Equal(t, uint32(13), db.marks[1].LastUID)

	// 第二轮：未读的两封都在水位之下，不再拉取
	res = poller.PollAccount(context.Background(), acct)
	assert.Zero(t, res.Fetched)
	assert.Equal(t, []uint32{11}, box.seenUIDs())
	assert.Equal(t, 2, db.inboundCount())
}

func TestPollAccountBacklogDoesNotHideNewMail(t *testing.T) {
	acct := testAccount(model.KindAssignment)
	db := newMemDB(acct)
	p := newTestPipeline(db, &fakeClassifier{result: model.Classification{UrgencyLevel: 5}})

	var msgs []mailbox.FetchedMessage
	for uid := uint32(1); uid <= 3; uid++ {
		m := testMessage()
		m.UID, m.From = uid, "noreply@shop.example"
		m.MessageID = fmt.Sprintf("n%d@shop.example", uid)
		m.BodyText = fmt.Sprintf("newsletter %d", uid)
		msgs = append(msgs, fetched(m))
	}
	customer := testMessage()
	customer.UID = 100
	msgs = append(msgs, fetched(customer))
	box := &fakeMailbox{messages: msgs}

	poller := NewPoller(db, db, dialer(map[int64]*fakeMailbox{1: box}), p, PollerConfig{BatchSize: 3}, zap.NewNop())
	accepted := 0
	for range 5 {
		res := poller.PollAccount(context.Background(), acct)
		require.Equal(t, StatusOK, res.Status)
		accepted += res.Accepted
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, db.replyCount())
	assert.Equal(t, []uint32{100}, box.seenUIDs())
	assert.Equal(t, uint32(100), db.marks[1].LastUID)
}

func TestPollAccountFailureHoldsSyncMark(t *testing.T) {
	acct := testAccount(model.KindAssignment)
	db := newMemDB(acct)
	db.scheduleFailures = 1
	p := newTestPipeline(db, &fakeClassifier{result: model.Classification{UrgencyLevel: 5}})

	second := testMessage()
	second.UID, second.MessageID, second.BodyText = 12, "m2@client.example", "and another thing"
	box := &fakeMailbox{messages: []mailbox.FetchedMessage{fetched(testMessage()), fetched(second)}}
	poller := NewPoller(db, db, dialer(map[int64]*fakeMailbox{1: box}), p, PollerConfig{}, zap.NewNop())

	res := poller.PollAccount(context.Background(), acct)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Accepted)
	assert.Zero(t, db.marks[1].LastUID)

	// 失败的那封下一轮从落库的记录续做
	res = poller.PollAccount(context.Background(), acct)
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, 1, res.Accepted)
	assert.Equal(t, 2, db.inboundCount())
	assert.Equal(t, 2, db.replyCount())
	assert.ElementsMatch(t, []uint32{11, 12}, box.seenUIDs())
	assert.Equal(t, uint32(11), db.marks[1].LastUID)
}

func TestPollAccountResyncsOnUIDValidityChange(t *testing.T) {
	acct := testAccount(model.KindAssignment)
	db := newMemDB(acct)
	p := newTestPipeline(db, &fakeClassifier{result: model.Classification{UrgencyLevel: 5}})
	box := &fakeMailbox{validity: 7, messages: []mailbox.FetchedMessage{fetched(testMessage())}}
	poller := NewPoller(db, db, dialer(map[int64]*fakeMailbox{1: box}), p, PollerConfig{}, zap.NewNop())

	res := poller.PollAccount(context.Background(), acct)
	assert.Equal(t, 1, res.Accepted)
	assert.Equal(t, model.SyncMark{AccountID: 1, UIDValidity: 7, LastUID: 11}, db.marks[1])

	// 邮箱重建：UID 重新编号，\Seen 丢失
	box.mu.Lock()
	box.validity, box.seen = 8, nil
	box.mu.Unlock()

	res = poller.PollAccount(context.Background(), acct)
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 1, db.replyCount())
	assert.Equal(t, model.SyncMark{AccountID: 1, UIDValidity: 8, LastUID: 11}, db.marks[1])
}

func TestPollAccountEmptyMailbox(t *testing.T) {
	acct := testAccount(model.KindAssignment)
	db := newMemDB(acct)
	poller := NewPoller(db, db, dialer(map[int64]*fakeMailbox{1: {}}), newTestPipeline(db, &fakeClassifier{}), PollerConfig{}, zap.NewNop())

	res := poller.PollAccount(context.Background(), acct)
	assert.Equal(t, AccountResult{AccountID: 1, Address: acct.Address, Status: StatusOK}, res)
}

func TestPollAccountConnectionFailure(t *testing.T) {
	acct := testAccount(model.KindAssignment)
	db := newMemDB(acct)
	poller := NewPoller(db, db, dialer(nil), newTestPipeline(db, &fakeClassifier{}), PollerConfig{}, zap.NewNop())

	res := poller.PollAccount(context.Background(), acct)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, util.ErrTransientIO.Error())
	assert.Zero(t, db.inboundCount())
}

func TestPollAccountFetchFailureMarksNothing(t *testing.T) {
	acct := testAccount(model.KindAssignment)
	db := newMemDB(acct)
	box := &fakeMailbox{fetchErr: util.ErrTransientIO, messages: []mailbox.FetchedMessage{fetched(testMessage())}}
	poller := NewPoller(db, db, dialer(map[int64]*fakeMailbox{1: box}), newTestPipeline(db, &fakeClassifier{}), PollerConfig{}, zap.NewNop())

	res := poller.PollAccount(context.Background(), acct)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Empty(t, box.seenUIDs())
	assert.True(t, box.closed)
}

func TestPollAccountSkipsOverlappingCycle(t *testing.T) {
	acct := testAccount(model.KindAssignment)
	db := newMemDB(acct)
	box := &fakeMailbox{messages: []mailbox.FetchedMessage{fetched(testMessage())}}
	poller := NewPoller(db, db, dialer(map[int64]*fakeMailbox{1: box}), newTestPipeline(db, &fakeClassifier{}), PollerConfig{}, zap.NewNop())

	release, ok := poller.guard.TryAcquire("account:1")
	require.True(t, ok)
	res := poller.PollAccount(context.Background(), acct)
	assert.Equal(t, StatusBusy, res.Status)
	assert.Zero(t, res.Fetched)
	release()

	res = poller.PollAccount(context.Background(), acct)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, 1, res.Accepted)
}

func TestPollAllIsolatesAccounts(t *testing.T) {
	a := testAccount(model.KindAssignment)
	b := testAccount(model.KindMerchant)
	b.ID, b.Address = 2, "shop@merchant.example"
	off := testAccount(model.KindAssignment)
	off.ID, off.Address, off.Status = 3, "old@agency.example", model.StatusInactive
	db := newMemDB(a, b, off)

	msgB := testMessage()
	msgB.MessageID, msgB.To, msgB.BodyText = "b1@client.example", b.Address, "order question"
	boxes := map[int64]*fakeMailbox{
		2: {messages: []mailbox.FetchedMessage{fetched(msgB)}},
	}
	poller := NewPoller(db, db, dialer(boxes), newTestPipeline(db, &fakeClassifier{result: model.Classification{UrgencyLevel: 5}}),
		PollerConfig{Concurrency: 2, Interval: time.Second}, zap.NewNop())

	results, err := poller.PollAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(1), results[0].AccountID)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Equal(t, int64(2), results[1].AccountID)
	assert.Equal(t, StatusOK, results[1].Status)
	assert.Equal(t, 1, results[1].Accepted)
	assert.Len(t, db.reminders, 1)
}

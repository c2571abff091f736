package ingest

import (
	"context"
	"sort"
	"sync"
	"time"

	"ezreply/internal/model"
	"ezreply/pkg/util"
)

// memDB 内存版的持久层，约束与 schema.sql 一致
type memDB struct {
	mu sync.Mutex

	nextID   int64
	accounts map[int64]model.MailboxAccount

	convs     map[int64]*model.Conversation
	convByKey map[string]int64

	inbound   map[int64]*model.InboundMessage
	byMID     map[string]int64
	byHash    map[string]int64
	processed map[int64]int
	history   []model.ConversationMessage

	replies        map[int64]*model.ScheduledReply
	replyByInbound map[int64]int64
	reminders      []model.Reminder
	marks          map[int64]model.SyncMark

	// 模拟慢事务，放大并发窗口
	insertDelay time.Duration
	// 非零时接下来这么多次 Schedule 直接失败
	scheduleFailures int
}

func newMemDB(accounts ...model.MailboxAccount) *memDB {
	db := &memDB{
		accounts:       map[int64]model.MailboxAccount{},
		convs:          map[int64]*model.Conversation{},
		convByKey:      map[string]int64{},
		inbound:        map[int64]*model.InboundMessage{},
		byMID:          map[string]int64{},
		byHash:         map[string]int64{},
		processed:      map[int64]int{},
		replies:        map[int64]*model.ScheduledReply{},
		replyByInbound: map[int64]int64{},
		marks:          map[int64]model.SyncMark{},
	}
	for _, a := range accounts {
		db.accounts[a.ID] = a
	}
	return db
}

func (db *memDB) id() int64 {
	db.nextID++
	return db.nextID
}

// ListActive / Resolve

func (db *memDB) ListActive(context.Context) ([]model.MailboxAccount, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []model.MailboxAccount
	for _, a := range db.accounts {
		if a.Active() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (db *memDB) Resolve(_ context.Context, a model.MailboxAccount) (model.MailboxAccount, error) {
	a.Password = "plain"
	return a, nil
}

func (db *memDB) FindResolved(ctx context.Context, id int64) (model.MailboxAccount, error) {
	db.mu.Lock()
	a, ok := db.accounts[id]
	db.mu.Unlock()
	if !ok {
		return a, model.ErrNotFound
	}
	return db.Resolve(ctx, a)
}

func (db *memDB) SyncMark(_ context.Context, accountID int64) (model.SyncMark, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if m, ok := db.marks[accountID]; ok {
		return m, nil
	}
	return model.SyncMark{AccountID: accountID}, nil
}

func (db *memDB) SaveSyncMark(_ context.Context, mark model.SyncMark) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.marks[mark.AccountID] = mark
	return nil
}

// conversations

func (db *memDB) FindOrCreate(_ context.Context, account model.MailboxAccount, counterpart string) (model.Conversation, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	key := account.Address + "|" + counterpart
	if id, ok := db.convByKey[key]; ok {
		return *db.convs[id], nil
	}
	kind := account.Kind
	if kind == "" {
		kind = model.KindAssignment
	}
	c := &model.Conversation{
		ID: db.id(), AccountID: account.ID, Counterpart: counterpart, Kind: kind, Status: model.StatusActive,
		MinDelay: 5, MaxDelay: 480, Timezone: account.Timezone,
		WorkingHoursStart: account.WorkingHoursStart, WorkingHoursEnd: account.WorkingHoursEnd,
	}
	db.convs[c.ID] = c
	db.convByKey[key] = c.ID
	return *c, nil
}

type convView struct{ db *memDB }

func (v convView) FindByID(_ context.Context, id int64) (model.Conversation, error) {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	c, ok := v.db.convs[id]
	if !ok {
		return model.Conversation{}, model.ErrNotFound
	}
	return *c, nil
}

func (db *memDB) conv(id int64) model.Conversation {
	c, _ := convView{db}.FindByID(context.Background(), id)
	return c
}

// inbound messages

func (db *memDB) InsertInbound(_ context.Context, msg *model.InboundMessage) (bool, error) {
	if db.insertDelay > 0 {
		time.Sleep(db.insertDelay)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, dup := db.byHash[msg.ContentHash]; dup {
		return false, nil
	}
	if msg.MessageID != nil {
		if _, dup := db.byMID[*msg.MessageID]; dup {
			return false, nil
		}
	}
	msg.ID = db.id()
	msg.CreatedAt = time.Now()
	stored := *msg
	db.inbound[msg.ID] = &stored
	db.byHash[msg.ContentHash] = msg.ID
	if msg.MessageID != nil {
		db.byMID[*msg.MessageID] = msg.ID
	}
	if msg.ConversationID != nil {
		inboundID := msg.ID
		db.history = append(db.history, model.ConversationMessage{
			ID: db.id(), ConversationID: *msg.ConversationID, Direction: model.DirectionInbound,
			InboundMessageID: &inboundID, Subject: msg.Subject, Body: msg.Body, CreatedAt: msg.CreatedAt,
		})
		c := db.convs[*msg.ConversationID]
		at := msg.CreatedAt
		c.LastInboundAt = &at
		c.ReplySent = false
	}
	return true, nil
}

func (db *memDB) MarkProcessed(_ context.Context, id int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	m, ok := db.inbound[id]
	if ok && !m.Processed {
		m.Processed = true
		db.processed[id]++
	}
	return nil
}

func (db *memDB) FindUnscheduled(_ context.Context, hash string, messageID *string) (model.InboundMessage, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	id, ok := db.byHash[hash]
	if !ok && messageID != nil {
		id, ok = db.byMID[*messageID]
	}
	if !ok {
		return model.InboundMessage{}, false, nil
	}
	m := db.inbound[id]
	if _, scheduled := db.replyByInbound[id]; scheduled || m.Processed {
		return model.InboundMessage{}, false, nil
	}
	return *m, true, nil
}

func (db *memDB) RecentTurns(_ context.Context, convID, excludeInboundID int64, limit int) ([]model.Turn, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var turns []model.Turn
	for _, h := range db.history {
		if h.ConversationID != convID {
			continue
		}
		if h.InboundMessageID != nil && *h.InboundMessageID == excludeInboundID {
			continue
		}
		turns = append(turns, model.Turn{Direction: h.Direction, Text: h.Body})
	}
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

type msgView struct{ db *memDB }

func (v msgView) FindByID(_ context.Context, id int64) (model.InboundMessage, error) {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	m, ok := v.db.inbound[id]
	if !ok {
		return model.InboundMessage{}, model.ErrNotFound
	}
	return *m, nil
}

func (v msgView) RecentTurns(ctx context.Context, convID, excludeInboundID int64, limit int) ([]model.Turn, error) {
	return v.db.RecentTurns(ctx, convID, excludeInboundID, limit)
}

func (db *memDB) inboundCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.inbound)
}

func (db *memDB) onlyInbound() model.InboundMessage {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, m := range db.inbound {
		return *m
	}
	return model.InboundMessage{}
}

// scheduled replies

func (db *memDB) Schedule(_ context.Context, reply *model.ScheduledReply, reminder *model.Reminder) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.scheduleFailures > 0 {
		db.scheduleFailures--
		return false, util.ErrTransientIO
	}
	if _, dup := db.replyByInbound[reply.InboundMessageID]; dup {
		return false, nil
	}
	reply.ID = db.id()
	reply.Status = model.ReplyPending
	stored := *reply
	db.replies[reply.ID] = &stored
	db.replyByInbound[reply.InboundMessageID] = reply.ID
	if reminder != nil {
		reminder.ID = db.id()
		reminder.ConversationID = reply.ConversationID
		db.reminders = append(db.reminders, *reminder)
	}
	return true, nil
}

func (db *memDB) Due(_ context.Context, now time.Time, limit int) ([]model.ScheduledReply, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []model.ScheduledReply
	for _, r := range db.replies {
		if r.Status == model.ReplyPending && !r.DueAt.After(now) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (db *memDB) pendingReply(id int64) (*model.ScheduledReply, error) {
	r, ok := db.replies[id]
	if !ok || r.Status != model.ReplyPending {
		return nil, model.ErrReplyNotPending
	}
	return r, nil
}

func (db *memDB) Reschedule(_ context.Context, id int64, dueAt time.Time, lastErr string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, err := db.pendingReply(id)
	if err != nil {
		return err
	}
	r.Attempts++
	r.DueAt = dueAt
	r.LastError = lastErr
	return nil
}

func (db *memDB) MarkFailed(_ context.Context, id int64, lastErr string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, err := db.pendingReply(id)
	if err != nil {
		return err
	}
	r.Status = model.ReplyFailed
	r.LastError = lastErr
	return nil
}

func (db *memDB) Abandon(_ context.Context, id int64, reason string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, err := db.pendingReply(id)
	if err != nil {
		return err
	}
	r.Status = model.ReplyAbandoned
	r.LastError = reason
	return nil
}

func (db *memDB) MarkDelivered(_ context.Context, id int64, body string, at time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, err := db.pendingReply(id)
	if err != nil {
		return err
	}
	if r.DeliveredAt == nil {
		r.DeliveredAt = &at
		r.Body = body
	}
	return nil
}

func (db *memDB) Complete(_ context.Context, p model.CompletedReply) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, err := db.pendingReply(p.ReplyID)
	if err != nil {
		return err
	}
	r.Status = model.ReplySent
	at := p.SentAt
	r.SentAt = &at
	db.history = append(db.history, model.ConversationMessage{
		ID: db.id(), ConversationID: p.ConversationID, Direction: model.DirectionOutbound,
		RFCMessageID: p.RFCMessageID, Subject: p.Subject, Body: p.Body, CreatedAt: p.SentAt,
	})
	if m := db.inbound[p.InboundMessageID]; m != nil && !m.Processed {
		m.Processed = true
		db.processed[m.ID]++
	}
	c := db.convs[p.ConversationID]
	c.ReplySent = true
	c.LastReplyAt = &at
	if p.FollowUpAt != nil {
		db.reminders = append(db.reminders, model.Reminder{
			ID: db.id(), ConversationID: p.ConversationID, Type: model.ReminderFollowUp,
			ScheduledFor: *p.FollowUpAt, ReferenceAt: &at,
		})
	}
	return nil
}

func (db *memDB) onlyReply() model.ScheduledReply {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, r := range db.replies {
		return *r
	}
	return model.ScheduledReply{}
}

func (db *memDB) replyCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.replies)
}

// fakeClassifier 返回固定分类并记录调用
type fakeClassifier struct {
	mu      sync.Mutex
	result  model.Classification
	calls   int
	history []model.Turn
}

func (c *fakeClassifier) Classify(_ context.Context, _ string, history []model.Turn) model.Classification {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.history = history
	return c.result
}

func (c *fakeClassifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

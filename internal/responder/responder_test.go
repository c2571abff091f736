package responder

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ezreply/internal/ai"
	"ezreply/internal/model"
)

type stubCompleter struct {
	text string
	err  error
	got  ai.Request
}

func (s *stubCompleter) Complete(_ context.Context, req ai.Request) (string, error) {
	s.got = req
	return s.text, s.err
}

func input() Input {
	return Input{
		Account:        model.MailboxAccount{Address: "me@y.com", DisplayName: "Dana"},
		Conversation:   model.Conversation{Counterpart: "c@x.com", Tone: "warm"},
		Inbound:        model.InboundMessage{Subject: "Urgent!! need refund", Body: "please help now"},
		Classification: model.Classification{UrgencyLevel: 9, EmotionalTone: "angry", KeyTopics: []string{"refund"}},
		History: []model.Turn{
			{Direction: model.DirectionInbound, Text: "order late"},
			{Direction: model.DirectionOutbound, Text: "checking"},
		},
	}
}

func TestGenerateBuildsConversation(t *testing.T) {
	stub := &stubCompleter{text: "Subject: Re: refund\n\nHi, I'm on it."}
	out, err := New(stub).Generate(context.Background(), input())
	require.NoError(t, err)
	assert.Equal(t, "Hi, I'm on it.", out)

	msgs := stub.got.Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, ai.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "Dana")
	assert.Contains(t, msgs[0].Content, "warm")
	assert.Contains(t, msgs[0].Content, "refund")
	assert.Equal(t, ai.RoleUser, msgs[1].Role)
	assert.Equal(t, ai.RoleAssistant, msgs[2].Role)
	assert.Contains(t, msgs[3].Content, "please help now")
}

func TestGenerateErrors(t *testing.T) {
	_, err := New(&stubCompleter{text: "  \n "}).Generate(context.Background(), input())
	assert.ErrorIs(t, err, ErrEmptyReply)

	boom := errors.New("boom")
	_, err = New(&stubCompleter{err: boom}).Generate(context.Background(), input())
	assert.ErrorIs(t, err, boom)
}

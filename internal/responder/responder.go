// Package responder 生成回复正文
package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ezreply/internal/ai"
	"ezreply/internal/model"
)

// ErrEmptyReply AI 返回空白内容
var ErrEmptyReply = errors.New("empty reply generated")

// Input 生成一封回复所需的上下文
type Input struct {
	Account        model.MailboxAccount
	Conversation   model.Conversation
	Inbound        model.InboundMessage
	Classification model.Classification
	History        []model.Turn
}

type Responder struct {
	completer ai.Completer
}

func New(completer ai.Completer) *Responder {
	return &Responder{completer: completer}
}

// Generate 调用 AI 生成纯文本回复
func (r *Responder) Generate(ctx context.Context, in Input) (string, error) {
	text, err := r.completer.Complete(ctx, ai.Request{
		Purpose:     "reply",
		Messages:    buildMessages(in),
		MaxTokens:   600,
		Temperature: 0.7,
	})
	if err != nil {
		return "", err
	}
	text = cleanup(text)
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

func buildMessages(in Input) []ai.Message {
	var sys strings.Builder
	name := in.Account.DisplayName
	if name == "" {
		name = in.Account.Address
	}
	fmt.Fprintf(&sys, "You are %s, replying personally to an email from %s.\n", name, in.Conversation.Counterpart)
	sys.WriteString("Write only the body of the reply in plain text. No subject line, no placeholders, no mention of being an assistant.\n")
	if in.Conversation.Tone != "" {
		fmt.Fprintf(&sys, "Preferred tone: %s.\n", in.Conversation.Tone)
	}
	switch in.Classification.EmotionalTone {
	case "angry", "frustrated":
		sys.WriteString("The sender is upset: acknowledge the problem first and stay calm.\n")
	case "confused":
		sys.WriteString("The sender is confused: explain step by step.\n")
	case "anxious":
		sys.WriteString("The sender is worried: be reassuring and concrete.\n")
	}
	if len(in.Classification.KeyTopics) > 0 {
		fmt.Fprintf(&sys, "Topics to address: %s.\n", strings.Join(in.Classification.KeyTopics, ", "))
	}

	msgs := []ai.Message{{Role: ai.RoleSystem, Content: sys.String()}}
	for _, t := range in.History {
		role := ai.RoleUser
		if t.Direction == model.DirectionOutbound {
			role = ai.RoleAssistant
		}
		msgs = append(msgs, ai.Message{Role: role, Content: t.Text})
	}
	msgs = append(msgs, ai.Message{
		Role:    ai.RoleUser,
		Content: fmt.Sprintf("Subject: %s\n\n%s", in.Inbound.Subject, in.Inbound.Body),
	})
	return msgs
}

// cleanup 去掉模型偶尔加上的 Subject 行和代码块
func cleanup(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if first, rest, ok := strings.Cut(text, "\n"); ok && strings.HasPrefix(strings.ToLower(first), "subject:") {
		text = strings.TrimSpace(rest)
	}
	return text
}

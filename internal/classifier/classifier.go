// Package classifier 让 AI 给入站邮件打紧急度和情绪标签
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"ezreply/internal/ai"
	"ezreply/internal/model"
	"ezreply/pkg/circuitbreaker"
	"ezreply/pkg/metrics"
)

// MaxPriorTurns 提供给 AI 的历史轮数上限
const MaxPriorTurns = 5

const systemPrompt = `You triage inbound customer emails.
Rate the NEW MESSAGE using the prior conversation as context.
Respond with exactly one JSON object and nothing else:
{"urgencyLevel": <integer 1-10>, "emotionalTone": "<angry|frustrated|confused|anxious|grateful|happy|neutral>", "keyTopics": ["<topic>", ...], "reasoning": "<one sentence>"}
10 means a reply is needed within minutes; 1 means it can wait a day.`

// errMalformed AI 输出无法解析
var errMalformed = errors.New("malformed classification")

type Classifier struct {
	completer ai.Completer
	logger    *zap.Logger
}

func New(completer ai.Completer, logger *zap.Logger) *Classifier {
	return &Classifier{completer: completer, logger: logger}
}

// Classify 永远返回一个可用的结果，失败时回落到 urgency=5 / neutral
func (c *Classifier) Classify(ctx context.Context, body string, history []model.Turn) model.Classification {
	text, err := c.completer.Complete(ctx, ai.Request{
		Purpose:     "classify",
		Messages:    buildMessages(body, history),
		MaxTokens:   300,
		Temperature: 0,
	})
	if err != nil {
		reason := "call_failed"
		if errors.Is(err, circuitbreaker.ErrOpen) {
			reason = "circuit_open"
		}
		return c.fallback(reason, err)
	}

	cls, err := Parse(text)
	if err != nil {
		return c.fallback("malformed", err)
	}
	return cls
}

func (c *Classifier) fallback(reason string, err error) model.Classification {
	metrics.IncrementClassificationFallback(reason)
	c.logger.Warn("Classification fell back to neutral default",
		zap.String("reason", reason),
		zap.Error(err),
	)
	return model.NeutralClassification("fallback: " + reason)
}

func buildMessages(body string, history []model.Turn) []ai.Message {
	if len(history) > MaxPriorTurns {
		history = history[len(history)-MaxPriorTurns:]
	}

	var sb strings.Builder
	if len(history) > 0 {
		sb.WriteString("PRIOR CONVERSATION (oldest first):\n")
		for _, t := range history {
			who := "Customer"
			if t.Direction == model.DirectionOutbound {
				who = "Us"
			}
			fmt.Fprintf(&sb, "%s: %s\n", who, strings.TrimSpace(t.Text))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("NEW MESSAGE:\n")
	sb.WriteString(strings.TrimSpace(body))

	return []ai.Message{
		{Role: ai.RoleSystem, Content: systemPrompt},
		{Role: ai.RoleUser, Content: sb.String()},
	}
}

type rawClassification struct {
	UrgencyLevel  json.Number `json:"urgencyLevel"`
	EmotionalTone string      `json:"emotionalTone"`
	KeyTopics     []string    `json:"keyTopics"`
	Reasoning     string      `json:"reasoning"`
}

// Parse 从不可信的 AI 输出中提取分类结果
// 允许 JSON 外面包着说明文字或代码块，紧急度截断到 1..10
func Parse(text string) (model.Classification, error) {
	obj, ok := extractObject(text)
	if !ok {
		return model.Classification{}, fmt.Errorf("%w: no json object", errMalformed)
	}

	var raw rawClassification
	dec := json.NewDecoder(strings.NewReader(obj))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return model.Classification{}, fmt.Errorf("%w: %v", errMalformed, err)
	}

	f, err := raw.UrgencyLevel.Float64()
	if err != nil {
		return model.Classification{}, fmt.Errorf("%w: urgencyLevel %q", errMalformed, raw.UrgencyLevel)
	}
	// 先在浮点上截断，超大值转 int 会溢出
	urgency := int(math.Round(min(max(f, 1), 10)))

	tone := strings.ToLower(strings.TrimSpace(raw.EmotionalTone))
	if tone == "" {
		tone = model.NeutralTone
	}
	topics := raw.KeyTopics
	if topics == nil {
		topics = []string{}
	}

	return model.Classification{
		UrgencyLevel:  urgency,
		EmotionalTone: tone,
		KeyTopics:     topics,
		Reasoning:     strings.TrimSpace(raw.Reasoning),
	}, nil
}

// extractObject 返回文本中第一个括号配平的 JSON 对象
func extractObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		depth, inString, escaped := 0, false, false
		for i := start; i < len(text); i++ {
			ch := text[i]
			switch {
			case escaped:
				escaped = false
			case inString && ch == '\\':
				escaped = true
			case ch == '"':
				inString = !inString
			case inString:
			case ch == '{':
				depth++
			case ch == '}':
				depth--
				if depth == 0 {
					candidate := text[start : i+1]
					if json.Valid([]byte(candidate)) {
						return candidate, true
					}
					i = len(text)
				}
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

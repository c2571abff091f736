package model

const NeutralTone = "neutral"

// Classification AI 对一封邮件的判断，仅随计划回复的 payload 保存
type Classification struct {
	UrgencyLevel  int      `json:"urgencyLevel"`
	EmotionalTone string   `json:"emotionalTone"`
	KeyTopics     []string `json:"keyTopics"`
	Reasoning     string   `json:"reasoning"`
	Fallback      bool     `json:"fallback,omitempty"`
}

// NeutralClassification 分类失败时的默认值
func NeutralClassification(reason string) Classification {
	return Classification{
		UrgencyLevel:  5,
		EmotionalTone: NeutralTone,
		KeyTopics:     []string{},
		Reasoning:     reason,
		Fallback:      true,
	}
}

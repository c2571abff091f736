package model

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrReminderTerminal 提醒已经 sent 或 dismissed
	ErrReminderTerminal = errors.New("reminder already sent or dismissed")
	// ErrReplyNotPending 计划回复已不是 pending，通常是被另一次扫描处理掉了
	ErrReplyNotPending = errors.New("scheduled reply is not pending")
)

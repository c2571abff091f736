// Package scheduler 把一次分类结果换算成具体的发送时间，不做任何 I/O
package scheduler

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"ezreply/internal/model"
)

const (
	// 对端上一条消息距今不足该时长时，最短延迟抬到 recentFloor
	recentWindow = 10 * time.Minute
	recentFloor  = 20

	// 紧急度达到该值时不受工作时间限制
	bypassUrgency = 8

	jitterRatio     = 0.10
	maxHumanizeMins = 7
	maxWindowJitter = 30
)

// Input 计算所需的全部输入
type Input struct {
	Urgency int
	Now     time.Time
	// 本封邮件之前对端最近一次来信时间
	LastInboundAt     *time.Time
	MinDelay          int // 分钟
	MaxDelay          int // 分钟
	Timezone          string
	WorkingHoursStart string
	WorkingHoursEnd   string
}

type band struct{ lo, hi int }

func bandFor(urgency int) band {
	switch {
	case urgency >= 9:
		return band{10, 20}
	case urgency >= 7:
		return band{30, 60}
	case urgency >= 5:
		return band{60, 120}
	case urgency >= 3:
		return band{120, 240}
	default:
		return band{240, 360}
	}
}

// Compute 计算计划发送时间
// rng 为 nil 时使用随机种子
func Compute(in Input, rng *rand.Rand) model.DelayPlan {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	urgency := min(max(in.Urgency, 1), 10)

	b := bandFor(urgency)
	base := b.lo + rng.IntN(b.hi-b.lo+1)

	d := jitter(base, rng)
	d = min(max(d, b.lo), b.hi)
	d = humanize(d, b, rng)

	// 被会话上下限截断后可能又落在整点上
	lo, hi := bounds(in)
	if c := min(max(d, lo), hi); c != d {
		d = humanize(c, band{lo, hi}, rng)
	}

	delay := time.Duration(d) * time.Minute
	candidate := in.Now.Add(delay)
	plan := model.DelayPlan{
		Urgency:   urgency,
		BaseDelay: time.Duration(base) * time.Minute,
		Delay:     delay,
		Candidate: candidate,
		DueAt:     candidate,
	}

	if urgency >= bypassUrgency {
		return plan
	}
	win, ok := parseWindow(in.WorkingHoursStart, in.WorkingHoursEnd)
	if !ok {
		return plan
	}
	local := candidate.In(Location(in.Timezone))
	if win.contains(local) {
		return plan
	}
	next := win.nextStart(local)
	plan.DueAt = next.Add(time.Duration(rng.IntN(maxWindowJitter+1)) * time.Minute)
	plan.Projected = true
	return plan
}

// jitter ±10%
func jitter(mins int, rng *rand.Rand) int {
	f := (rng.Float64()*2 - 1) * jitterRatio
	return int(math.Round(float64(mins) * (1 + f)))
}

// humanize 整 15 分钟的值偏移 1~7 分钟，偏移后仍在档位内
func humanize(mins int, b band, rng *rand.Rand) int {
	if mins%15 != 0 {
		return mins
	}
	up := min(b.hi-mins, maxHumanizeMins)
	down := min(mins-b.lo, maxHumanizeMins)
	switch {
	case up <= 0 && down <= 0:
		return mins
	case down <= 0 || (up > 0 && rng.IntN(2) == 0):
		return mins + 1 + rng.IntN(up)
	default:
		return mins - 1 - rng.IntN(down)
	}
}

// bounds 会话配置的 [min,max]，最近刚来信时下限抬高但不超过上限
func bounds(in Input) (int, int) {
	lo, hi := max(in.MinDelay, 0), in.MaxDelay
	if in.LastInboundAt != nil && in.Now.Sub(*in.LastInboundAt) < recentWindow {
		lo = max(lo, recentFloor)
	}
	if hi <= 0 {
		hi = math.MaxInt32
	}
	if lo > hi {
		lo = hi
	}
	return lo, hi
}

// Location 未知时区回落到 UTC
func Location(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

type window struct {
	start, end int // 一天中的分钟数
}

func parseWindow(start, end string) (window, bool) {
	s, err1 := parseClock(start)
	e, err2 := parseClock(end)
	if err1 != nil || err2 != nil || s == e {
		return window{}, false
	}
	return window{start: s, end: e}, true
}

func parseClock(v string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(v, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", v, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock %q", v)
	}
	return h*60 + m, nil
}

// contains 支持跨午夜的窗口，如 22:00-06:00
func (w window) contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	if w.start < w.end {
		return m >= w.start && m < w.end
	}
	return m >= w.start || m < w.end
}

// nextStart 严格晚于 t 的下一个窗口开始时间
func (w window) nextStart(t time.Time) time.Time {
	y, mo, d := t.Date()
	start := time.Date(y, mo, d, w.start/60, w.start%60, 0, 0, t.Location())
	if !start.After(t) {
		start = time.Date(y, mo, d+1, w.start/60, w.start%60, 0, 0, t.Location())
	}
	return start
}

package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// Guard 进程内的“正在处理”集合
// TryAcquire 拿到的 release 必须 defer 调用
type Guard struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewGuard() *Guard {
	return &Guard{inFlight: make(map[string]struct{})}
}

// TryAcquire 原子地占用全部 key，任一 key 已被占用则什么都不占用
// 空字符串 key 会被忽略
func (g *Guard) TryAcquire(keys ...string) (release func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	held := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, busy := g.inFlight[k]; busy {
			return func() {}, false
		}
		held = append(held, k)
	}
	for _, k := range held {
		g.inFlight[k] = struct{}{}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			for _, k := range held {
				delete(g.inFlight, k)
			}
		})
	}, true
}

// ContentHash sha256(from|to|subject|body) 的 hex，按原始解码后的字节计算
func ContentHash(from, to, subject, body string) string {
	h := sha256.New()
	h.Write([]byte(from))
	h.Write([]byte{'|'})
	h.Write([]byte(to))
	h.Write([]byte{'|'})
	h.Write([]byte(subject))
	h.Write([]byte{'|'})
	h.Write([]byte(body))
	return hex.EncodeToString(h.Sum(nil))
}

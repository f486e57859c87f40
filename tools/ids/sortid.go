package ids

import (
	"fmt"
	"sync"
	"time"
)

// 可排序ID：毫秒时间戳(13位十进制) + 序号(6位)，字典序 == 时间序。
// 任务键用它编码触发时刻，于是“键 <= now”就是“已到期”。
type generator struct {
	mu    sync.Mutex
	seq   int64 // 滚动序号 0~999999，区分同毫秒的ID
	clock func() time.Time
}

var (
	defaultGen *generator
	once       sync.Once
)

func initDefault() {
	once.Do(func() {
		defaultGen = &generator{clock: time.Now}
	})
}

// NextSortable 静态方法：以当前时刻生成ID
func NextSortable() string {
	initDefault()
	return defaultGen.Next()
}

// NewGenerator 独立实例（单测注入时钟用）
func NewGenerator(clock func() time.Time) *generator {
	if clock == nil {
		clock = time.Now
	}
	return &generator{clock: clock}
}

// Next 以当前时刻生成ID
func (g *generator) Next() string {
	return g.At(g.clock().UnixMilli())
}

// At 以给定毫秒时刻生成ID。时刻允许乱序（任务可以排在任何将来），
// 序号滚动保证同毫秒不撞键。
func (g *generator) At(tsMS int64) string {
	g.mu.Lock()
	g.seq = (g.seq + 1) % 1000000
	seq := g.seq
	g.mu.Unlock()
	return fmt.Sprintf("%013d-%06d", tsMS, seq)
}

// Timestamp 从ID里还原毫秒时刻
func Timestamp(id string) (int64, bool) {
	if len(id) < 13 {
		return 0, false
	}
	var ts int64
	if _, err := fmt.Sscanf(id[:13], "%d", &ts); err != nil {
		return 0, false
	}
	return ts, true
}

package actor

import (
	"sync"

	"IMProject/logger"
	"IMProject/service/storage"
	"IMProject/service/transport"

	"go.uber.org/zap"
)

// Registry 会话ID到唯一活跃 actor 的路由表。懒生成，可驱逐，
// 驱逐后的下一次访问触发重建。单进程内的单写者保证在这里。
type Registry struct {
	mu     sync.RWMutex
	actors map[string]*Actor

	kv       storage.KV
	resolver transport.Resolver
	dir      Directory
	opts     Options
}

func NewRegistry(kv storage.KV, resolver transport.Resolver, dir Directory, opts Options) *Registry {
	opts.norm()
	return &Registry{
		actors:   make(map[string]*Actor),
		kv:       kv,
		resolver: resolver,
		dir:      dir,
		opts:     opts,
	}
}

// Get 取或生成会话 actor
func (r *Registry) Get(chatID string) *Actor {
	r.mu.RLock()
	a, ok := r.actors[chatID]
	r.mu.RUnlock()
	if ok {
		return a
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok = r.actors[chatID]; ok {
		return a
	}
	a = New(chatID, r.kv, r.resolver, r.dir, r.opts)
	r.actors[chatID] = a
	logger.Debug("actor spawned", zap.String("chat", chatID))
	return a
}

// Evict 停掉并移除一个 actor。内存态丢弃，持久态原封不动。
func (r *Registry) Evict(chatID string) {
	r.mu.Lock()
	a, ok := r.actors[chatID]
	if ok {
		delete(r.actors, chatID)
	}
	r.mu.Unlock()
	if ok {
		a.Stop()
		logger.Debug("actor evicted", zap.String("chat", chatID))
	}
}

// Len 当前活跃 actor 数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actors)
}

// Shutdown 停掉全部 actor
func (r *Registry) Shutdown() {
	r.mu.Lock()
	actors := r.actors
	r.actors = make(map[string]*Actor)
	r.mu.Unlock()
	for _, a := range actors {
		a.Stop()
	}
}

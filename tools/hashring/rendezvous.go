package hashring

import (
	"hash/fnv"
	"sort"
	"sync"
)

// Rendezvous 最高随机权重哈希：conversation_id -> 分片/节点
// 节点增删只迁移受影响 key，其余映射保持稳定
type Rendezvous struct {
	mu    sync.RWMutex
	nodes []string
}

func NewRendezvous(nodes ...string) *Rendezvous {
	r := &Rendezvous{}
	r.Update(nodes)
	return r
}

func (r *Rendezvous) Update(nodes []string) {
	cp := make([]string, len(nodes))
	copy(cp, nodes)
	sort.Strings(cp)
	r.mu.Lock()
	r.nodes = cp
	r.mu.Unlock()
}

func (r *Rendezvous) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// Owner 返回 key 的归属节点；无节点时返回 ""
func (r *Rendezvous) Owner(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best string
	var bestScore uint64
	for _, n := range r.nodes {
		s := score(key, n)
		if best == "" || s > bestScore || (s == bestScore && n < best) {
			best, bestScore = n, s
		}
	}
	return best
}

// Shard 把 key 映射到 [0,n) 的本地分片号
func Shard(key string, n int) int {
	if n <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func score(key, node string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(node))
	return h.Sum64()
}

package replica

// ID 全局唯一的字符标识：Lamport 时钟 + 站点。按 (Clock, Site) 全序比较。
type ID struct {
	Site  string `json:"s"`
	Clock uint64 `json:"c"`
}

func (a ID) less(b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock < b.Clock
	}
	return a.Site < b.Site
}

type item struct {
	id      ID
	origin  *ID // 插入时左边的字符，nil 表示文档开头
	value   rune
	deleted bool // 墓碑，删除后仍然占位，保证后续插入能找到 origin
}

// sequence 单个字段的 RGA 序列。
// 约定：同一个 origin 之后的兄弟节点按 ID 从大到小排列，每个节点后面紧跟它自己的子树。
// 因为子孙节点的 ID 一定大于祖先，所以集成时只要跳过所有比自己大的节点即可找到位置。
type sequence struct {
	items []*item
	byID  map[ID]*item
}

func newSequence() *sequence {
	return &sequence{byID: make(map[ID]*item)}
}

func (s *sequence) indexOf(id ID) int {
	for i, it := range s.items {
		if it.id == id {
			return i
		}
	}
	return -1
}

// integrate 返回 applied=是否产生新内容，ready=依赖是否满足（不满足需要挂起）
func (s *sequence) integrate(id ID, origin *ID, value rune) (applied, ready bool) {
	if _, ok := s.byID[id]; ok {
		return false, true
	}
	start := 0
	if origin != nil {
		p := s.indexOf(*origin)
		if p < 0 {
			return false, false
		}
		start = p + 1
	}
	i := start
	for i < len(s.items) && id.less(s.items[i].id) {
		i++
	}

	it := &item{id: id, origin: origin, value: value}
	s.items = append(s.items, nil)
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = it
	s.byID[id] = it
	return true, true
}

func (s *sequence) remove(id ID) (applied, ready bool) {
	it, ok := s.byID[id]
	if !ok {
		return false, false
	}
	if it.deleted {
		// 重复删除是 no-op
		return false, true
	}
	it.deleted = true
	return true, true
}

// visibleAt 返回第 pos 个可见字符（从 0 开始）
func (s *sequence) visibleAt(pos int) *item {
	n := 0
	for _, it := range s.items {
		if it.deleted {
			continue
		}
		if n == pos {
			return it
		}
		n++
	}
	return nil
}

func (s *sequence) visibleLen() int {
	n := 0
	for _, it := range s.items {
		if !it.deleted {
			n++
		}
	}
	return n
}

func (s *sequence) text() string {
	out := make([]rune, 0, len(s.items))
	for _, it := range s.items {
		if !it.deleted {
			out = append(out, it.value)
		}
	}
	return string(out)
}

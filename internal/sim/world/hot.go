package world

// Ticker receives per-tick phase callbacks while registered as hot.
type Ticker interface {
	FixedUpdate(delta float64)
	Update(delta float64)
	LateUpdate(delta float64)
}

// hotSet is the set of entities that need phase callbacks. Removal swaps in
// the last element, so iteration order is stable between changes but not
// insertion ordered.
type hotSet struct {
	list  []Ticker
	index map[Ticker]int
}

func (h *hotSet) set(t Ticker, hot bool) {
	if h.index == nil {
		h.index = map[Ticker]int{}
	}
	i, ok := h.index[t]
	switch {
	case hot && !ok:
		h.index[t] = len(h.list)
		h.list = append(h.list, t)
	case !hot && ok:
		last := len(h.list) - 1
		h.list[i] = h.list[last]
		h.index[h.list[i]] = i
		h.list[last] = nil
		h.list = h.list[:last]
		delete(h.index, t)
	}
}

func (h *hotSet) has(t Ticker) bool {
	_, ok := h.index[t]
	return ok
}

func (h *hotSet) len() int { return len(h.list) }

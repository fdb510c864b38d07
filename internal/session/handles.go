package session

// handleTree allocates opaque integer references for lazily expanded
// objects: stack frames, scope markers, composite values. A generation
// bump invalidates every outstanding handle without walking entries;
// lookups check the entry's generation. Handle values may be reused by a
// later generation, but a reused value never resolves to the older
// generation's object because creation overwrites the entry.
type handleTree struct {
	gen     int
	next    int
	entries map[int]handleEntry
	dedup   map[dedupKey]int
}

type handleEntry struct {
	gen    int
	obj    any
	key    string
	parent int
}

type dedupKey struct {
	parent int
	key    string
}

func newHandleTree() *handleTree {
	return &handleTree{
		next:    1,
		entries: make(map[int]handleEntry),
		dedup:   make(map[dedupKey]int),
	}
}

// Create allocates a handle for obj keyed by its parent-relative name.
// parent 0 is the root. Creating twice with the same parent and key
// returns the existing handle with the object replaced, so re-listing a
// scope does not grow the arena.
func (t *handleTree) Create(obj any, key string, parent int) int {
	dk := dedupKey{parent: parent, key: key}
	if h, ok := t.dedup[dk]; ok {
		if e, live := t.entries[h]; live && e.gen == t.gen {
			e.obj = obj
			t.entries[h] = e
			return h
		}
	}
	h := t.next
	t.next++
	t.entries[h] = handleEntry{gen: t.gen, obj: obj, key: key, parent: parent}
	t.dedup[dk] = h
	return h
}

// Get resolves a handle. Stale and unknown handles yield nil.
func (t *handleTree) Get(h int) any {
	e, ok := t.entries[h]
	if !ok || e.gen != t.gen {
		return nil
	}
	return e.obj
}

// Path returns the object and its ordered key path from the root.
func (t *handleTree) Path(h int) (any, []string) {
	e, ok := t.entries[h]
	if !ok || e.gen != t.gen {
		return nil, nil
	}
	var segs []string
	for cur := h; cur != 0; {
		ce := t.entries[cur]
		segs = append(segs, ce.key)
		cur = ce.parent
	}
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return e.obj, segs
}

// Reset invalidates all handles and restarts allocation. Old entries are
// not freed here; the new generation overwrites them as values get
// reused.
func (t *handleTree) Reset() {
	t.gen++
	t.next = 1
	t.dedup = make(map[dedupKey]int)
}

package db

import (
	"sort"
	"sync"

	"realtime-bindings/pkg/reactor"
)

type ChunkStatus string

const (
	ChunkBootstrapping ChunkStatus = "bootstrapping"
	ChunkStable        ChunkStatus = "stable"
	ChunkError         ChunkStatus = "error"
)

type ChunkKind string

const (
	ChunkHeadLive ChunkKind = "head-live"
	ChunkFrozen   ChunkKind = "frozen"
	ChunkTailLive ChunkKind = "tail-live"
)

const (
	headChunkID = "__head-live__"
	tailChunkID = "__tail-live__"
)

// Chunk is one window of an infinite query. The head follows the first page live, frozen
// chunks stay pinned between two cursors, and the tail follows everything after the last
// frozen chunk.
type Chunk struct {
	ID          string
	AfterCursor []any
	StartCursor []any
	EndCursor   []any
	Status      ChunkStatus
	Kind        ChunkKind
	Data        []any
	HasNextPage bool

	seq int
}

// InfiniteState is the merged view of all chunks.
type InfiniteState struct {
	Data          []any
	Chunks        []Chunk
	IsLoading     bool
	IsLoadingMore bool
	CanLoadMore   bool
}

// InfiniteQuerySubscription pages through one entity. The query's "$" clause carries
// pageSize, where, fields and order.
type InfiniteQuerySubscription struct {
	d    *Database
	cell cell[InfiniteState]

	mu      sync.Mutex
	gen     uint64
	key     string
	entity  string
	query   reactor.Query
	opts    *reactor.QueryOptions
	chunks  []Chunk
	subs    map[string]func()
	tailKey string
	nextSeq int
	closed  bool
}

// UseInfiniteQuery starts with a live head page of the given entity.
func (d *Database) UseInfiniteQuery(entity string, q reactor.Query, opts *reactor.QueryOptions) *InfiniteQuerySubscription {
	s := &InfiniteQuerySubscription{d: d}
	s.cell.store(InfiniteState{IsLoading: true, Data: []any{}, Chunks: []Chunk{}})
	s.reset(entity, q, opts)
	return s
}

// Update restarts from the head when the entity or the query changed structurally.
func (s *InfiniteQuerySubscription) Update(entity string, q reactor.Query, opts *reactor.QueryOptions) {
	s.reset(entity, q, opts)
}

func infiniteKey(entity string, q reactor.Query, opts *reactor.QueryOptions) string {
	_, hash := reactor.Key(q, opts)
	return entity + "|" + hash
}

func (s *InfiniteQuerySubscription) reset(entity string, q reactor.Query, opts *reactor.QueryOptions) {
	key := infiniteKey(entity, q, opts)

	s.mu.Lock()
	if s.closed || (s.key == key && s.subs != nil) {
		s.mu.Unlock()
		return
	}
	s.releaseAllLocked()
	s.gen++
	s.key = key
	s.entity = entity
	s.query = reactor.Coerce(q)
	s.opts = opts
	s.chunks = nil
	s.subs = map[string]func(){}

	gen := s.gen
	s.subs[headChunkID] = nil
	s.upsertLocked(Chunk{ID: headChunkID, Status: ChunkBootstrapping, Kind: ChunkHeadLive, Data: []any{}})
	window := map[string]any{"first": s.pageSize(), "after": nil}
	q = s.windowQuery(window)
	s.publishLocked()
	s.mu.Unlock()

	s.cell.notify()
	s.subscribe(gen, headChunkID, q, func(r *reactor.Result) { s.onHead(gen, r) })
}

func (s *InfiniteQuerySubscription) dollar() map[string]any {
	m, _ := s.query["$"].(map[string]any)
	return m
}

func (s *InfiniteQuerySubscription) pageSize() int {
	switch v := s.dollar()["pageSize"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// windowQuery builds {entity: {...query, $: window + where/fields/order}}.
func (s *InfiniteQuerySubscription) windowQuery(window map[string]any) reactor.Query {
	body := map[string]any{}
	for k, v := range s.query {
		if k != "$" {
			body[k] = v
		}
	}
	clause := map[string]any{}
	for k, v := range window {
		clause[k] = v
	}
	for _, k := range []string{"where", "fields", "order"} {
		if v, ok := s.dollar()[k]; ok && v != nil {
			clause[k] = v
		}
	}
	body["$"] = clause
	return reactor.Query{s.entity: body}
}

// subscribe runs outside the lock so reactors that deliver synchronously cannot deadlock.
func (s *InfiniteQuerySubscription) subscribe(gen uint64, key string, q reactor.Query, fn func(*reactor.Result)) {
	s.mu.Lock()
	opts := s.opts
	s.mu.Unlock()

	full, _ := reactor.Key(q, opts)
	unsub := onceUnsubscribe(s.d.core.SubscribeQuery(full, fn))

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, wanted := s.subs[key]; s.closed || s.gen != gen || !wanted {
		unsub()
		return
	}
	s.subs[key] = unsub
}

func (s *InfiniteQuerySubscription) liveLocked(gen uint64, key string) bool {
	if s.closed || s.gen != gen {
		return false
	}
	_, ok := s.subs[key]
	return ok
}

func (s *InfiniteQuerySubscription) onHead(gen uint64, r *reactor.Result) {
	if r == nil {
		return
	}
	s.mu.Lock()
	if !s.liveLocked(gen, headChunkID) {
		s.mu.Unlock()
		return
	}
	var actions []func()
	if r.Error != nil || r.Data == nil {
		s.releaseLocked(headChunkID)
		s.upsertLocked(Chunk{ID: headChunkID, Status: ChunkError, Kind: ChunkHeadLive, Data: []any{}})
	} else {
		data, info := s.extract(r)
		start, end := cursorField(info, "startCursor"), cursorField(info, "endCursor")
		hasNext, _ := info["hasNextPage"].(bool)
		s.upsertLocked(Chunk{
			ID: headChunkID, StartCursor: start, EndCursor: end,
			Status: ChunkStable, Kind: ChunkHeadLive, Data: data, HasNextPage: hasNext,
		})
		if isCursorWindowAligned(data, start, end, s.pageSize()) {
			actions = append(actions, s.frozenLocked(gen, start, end, data, hasNext), s.tailLocked(gen, end))
		}
	}
	s.publishLocked()
	s.mu.Unlock()

	s.cell.notify()
	runActions(actions)
}

// frozenLocked pins [start, end] unless that window is already pinned.
func (s *InfiniteQuerySubscription) frozenLocked(gen uint64, start, end, initial []any, hasNext bool) func() {
	id := "frozen:" + cursorID(start)
	if _, ok := s.subs[id]; ok {
		return nil
	}
	s.subs[id] = nil
	s.upsertLocked(Chunk{
		ID: id, AfterCursor: start, StartCursor: start, EndCursor: end,
		Status: ChunkBootstrapping, Kind: ChunkFrozen, Data: initial, HasNextPage: hasNext,
	})
	q := s.windowQuery(map[string]any{
		"after":  decrementCursor(start),
		"before": incrementCursor(end),
	})
	return func() {
		s.subscribe(gen, id, q, func(r *reactor.Result) {
			s.onFrozen(gen, id, start, end, initial, hasNext, r)
		})
	}
}

func (s *InfiniteQuerySubscription) onFrozen(gen uint64, id string, start, end, initial []any, hasNext bool, r *reactor.Result) {
	if r == nil {
		return
	}
	s.mu.Lock()
	if !s.liveLocked(gen, id) {
		s.mu.Unlock()
		return
	}
	chunk := Chunk{ID: id, AfterCursor: start, Kind: ChunkFrozen}
	if r.Error != nil || r.Data == nil {
		chunk.StartCursor, chunk.EndCursor = start, end
		chunk.Status, chunk.Data, chunk.HasNextPage = ChunkError, initial, hasNext
	} else {
		data, info := s.extract(r)
		chunk.StartCursor = orCursor(cursorField(info, "startCursor"), start)
		chunk.EndCursor = orCursor(cursorField(info, "endCursor"), end)
		chunk.Status, chunk.Data, chunk.HasNextPage = ChunkStable, data, hasNext
		if v, ok := info["hasNextPage"].(bool); ok {
			chunk.HasNextPage = v
		}
	}
	s.upsertLocked(chunk)
	s.publishLocked()
	s.mu.Unlock()
	s.cell.notify()
}

// tailLocked moves the live tail to follow after. The previous tail subscription, if any,
// is released first.
func (s *InfiniteQuerySubscription) tailLocked(gen uint64, after []any) func() {
	if after == nil {
		return nil
	}
	key := "tail-live:" + cursorID(after)
	if s.tailKey == key {
		return nil
	}
	if s.tailKey != "" {
		s.releaseLocked(s.tailKey)
	}
	s.tailKey = key
	s.subs[key] = nil
	s.upsertLocked(Chunk{ID: tailChunkID, AfterCursor: after, Status: ChunkBootstrapping, Kind: ChunkTailLive, Data: []any{}})
	q := s.windowQuery(map[string]any{"first": s.pageSize(), "after": after})
	return func() {
		s.subscribe(gen, key, q, func(r *reactor.Result) { s.onTail(gen, key, after, r) })
	}
}

func (s *InfiniteQuerySubscription) onTail(gen uint64, key string, after []any, r *reactor.Result) {
	if r == nil {
		return
	}
	s.mu.Lock()
	if !s.liveLocked(gen, key) {
		s.mu.Unlock()
		return
	}
	chunk := Chunk{ID: tailChunkID, AfterCursor: after, Kind: ChunkTailLive, Data: []any{}}
	if r.Error != nil || r.Data == nil {
		chunk.Status = ChunkError
	} else {
		data, info := s.extract(r)
		chunk.Status = ChunkStable
		chunk.Data = data
		chunk.StartCursor = cursorField(info, "startCursor")
		chunk.EndCursor = cursorField(info, "endCursor")
		chunk.HasNextPage, _ = info["hasNextPage"].(bool)
	}
	s.upsertLocked(chunk)
	s.publishLocked()
	s.mu.Unlock()
	s.cell.notify()
}

// LoadMore freezes the current tail window and opens a new tail after it. It does nothing
// until the tail holds a stable, non-empty page.
func (s *InfiniteQuerySubscription) LoadMore() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	tail, ok := s.findLocked(tailChunkID)
	if !ok || tail.Status != ChunkStable || tail.StartCursor == nil || tail.EndCursor == nil {
		s.mu.Unlock()
		return
	}
	gen := s.gen
	actions := []func(){
		s.frozenLocked(gen, tail.StartCursor, tail.EndCursor, tail.Data, tail.HasNextPage),
		s.tailLocked(gen, tail.EndCursor),
	}
	s.publishLocked()
	s.mu.Unlock()

	s.cell.notify()
	runActions(actions)
}

func (s *InfiniteQuerySubscription) State() InfiniteState {
	return s.cell.load()
}

func (s *InfiniteQuerySubscription) Watch(fn func()) func() {
	return s.cell.watch(fn)
}

func (s *InfiniteQuerySubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.releaseAllLocked()
	s.cell.clearWatchers()
}

func (s *InfiniteQuerySubscription) releaseLocked(key string) {
	if unsub := s.subs[key]; unsub != nil {
		unsub()
	}
	delete(s.subs, key)
}

func (s *InfiniteQuerySubscription) releaseAllLocked() {
	for key := range s.subs {
		s.releaseLocked(key)
	}
	s.tailKey = ""
}

func (s *InfiniteQuerySubscription) findLocked(id string) (Chunk, bool) {
	for _, c := range s.chunks {
		if c.ID == id {
			return c, true
		}
	}
	return Chunk{}, false
}

func (s *InfiniteQuerySubscription) upsertLocked(next Chunk) {
	for i, c := range s.chunks {
		if c.ID == next.ID {
			next.seq = c.seq
			s.chunks[i] = next
			orderChunks(s.chunks)
			return
		}
	}
	next.seq = s.nextSeq
	s.nextSeq++
	s.chunks = append(s.chunks, next)
	orderChunks(s.chunks)
}

func (s *InfiniteQuerySubscription) publishLocked() {
	chunks := append([]Chunk(nil), s.chunks...)
	state := InfiniteState{Chunks: chunks, Data: mergeChunks(chunks)}

	var head, tail *Chunk
	frozen := 0
	for i := range chunks {
		switch chunks[i].Kind {
		case ChunkHeadLive:
			head = &chunks[i]
		case ChunkTailLive:
			tail = &chunks[i]
		case ChunkFrozen:
			frozen++
		}
	}
	state.IsLoading = len(chunks) == 0 || (head != nil && head.Status == ChunkBootstrapping)
	state.IsLoadingMore = frozen > 0 && tail != nil && tail.Status == ChunkBootstrapping
	state.CanLoadMore = tail != nil && tail.Status == ChunkStable &&
		tail.StartCursor != nil && tail.EndCursor != nil && len(tail.Data) > 0
	s.cell.store(state)
}

func (s *InfiniteQuerySubscription) extract(r *reactor.Result) ([]any, map[string]any) {
	info, _ := r.PageInfo[s.entity].(map[string]any)
	return rows(r.Data[s.entity]), info
}

func runActions(actions []func()) {
	for _, fn := range actions {
		if fn != nil {
			fn()
		}
	}
}

func rows(v any) []any {
	switch rs := v.(type) {
	case []any:
		return rs
	case []map[string]any:
		out := make([]any, len(rs))
		for i, r := range rs {
			out[i] = r
		}
		return out
	}
	return []any{}
}

func rowID(row any) string {
	m, ok := row.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := m["id"].(string)
	return id
}

func cursorField(info map[string]any, name string) []any {
	c, _ := info[name].([]any)
	return c
}

func orCursor(c, fallback []any) []any {
	if c == nil {
		return fallback
	}
	return c
}

// isCursorWindowAligned reports whether data fills a whole page that starts and ends on
// the given cursors. Only then can the page be pinned without gaps.
func isCursorWindowAligned(data []any, start, end []any, pageSize int) bool {
	if start == nil || end == nil || pageSize <= 0 || len(data) < pageSize {
		return false
	}
	first, boundary := rowID(data[0]), rowID(data[pageSize-1])
	if first == "" || boundary == "" {
		return false
	}
	return first == cursorEntity(start) && boundary == cursorEntity(end)
}

func chunkRank(c Chunk) int {
	switch c.Kind {
	case ChunkHeadLive:
		return 0
	case ChunkFrozen:
		return 1
	}
	return 2
}

// orderChunks sorts head first, then frozen chunks in the order they were pinned, then
// the tail. Pinning always happens at the end of the list, so pin order is list order.
func orderChunks(chunks []Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		a, b := chunks[i], chunks[j]
		if ra, rb := chunkRank(a), chunkRank(b); ra != rb {
			return ra < rb
		}
		if a.Kind == ChunkFrozen {
			return a.seq < b.seq
		}
		return a.ID < b.ID
	})
}

// mergeChunks concatenates the head and frozen chunks and drops repeated ids. Rows
// without a string id are always kept. The tail is not part of the merged data until it
// is frozen.
func mergeChunks(chunks []Chunk) []any {
	seen := map[string]bool{}
	out := []any{}
	for _, c := range chunks {
		if c.Kind == ChunkTailLive {
			continue
		}
		for _, row := range c.Data {
			if id := rowID(row); id != "" {
				if seen[id] {
					continue
				}
				seen[id] = true
			}
			out = append(out, row)
		}
	}
	return out
}

package db

import (
	"testing"

	"realtime-bindings/pkg/reactor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	idA = "00000000-0000-0000-0000-00000000000a"
	idB = "00000000-0000-0000-0000-00000000000b"
	idC = "00000000-0000-0000-0000-00000000000c"
)

func row(id string) map[string]any {
	return map[string]any{"id": id}
}

func cursor(id string) []any {
	return []any{id, "attr", nil, float64(0)}
}

func page(rows []any, start, end string, hasNext bool) *reactor.Result {
	return &reactor.Result{
		Data: map[string]any{"items": rows},
		PageInfo: map[string]any{"items": map[string]any{
			"startCursor": cursor(start),
			"endCursor":   cursor(end),
			"hasNextPage": hasNext,
		}},
	}
}

// windowSub finds the live subscription whose "$" clause matches kind.
func windowSub(t *testing.T, core *fakeReactor, kind ChunkKind) *fakeQuerySub {
	t.Helper()
	var found []*fakeQuerySub
	for _, sub := range core.liveQueries() {
		clause := sub.query["items"].(map[string]any)["$"].(map[string]any)
		_, hasBefore := clause["before"]
		after := clause["after"]
		switch {
		case kind == ChunkFrozen && hasBefore:
		case kind == ChunkHeadLive && !hasBefore && after == nil:
		case kind == ChunkTailLive && !hasBefore && after != nil:
		default:
			continue
		}
		found = append(found, sub)
	}
	require.NotEmpty(t, found, kind)
	return found[len(found)-1]
}

func TestInfiniteQueryPaging(t *testing.T) {
	core := newFakeReactor()
	d := New(core, nil)

	s := d.UseInfiniteQuery("items", reactor.Query{"$": map[string]any{"pageSize": 2, "order": map[string]any{"serverCreatedAt": "desc"}}}, nil)
	defer s.Close()

	assert.True(t, s.State().IsLoading)
	head := windowSub(t, core, ChunkHeadLive)
	clause := head.query["items"].(map[string]any)["$"].(map[string]any)
	assert.Equal(t, float64(2), clause["first"])
	assert.Equal(t, map[string]any{"serverCreatedAt": "desc"}, clause["order"])

	head.cb(page([]any{row(idA), row(idB)}, idA, idB, true))
	st := s.State()
	assert.False(t, st.IsLoading)
	assert.Equal(t, []any{row(idA), row(idB)}, st.Data)
	require.Len(t, core.liveQueries(), 3, "aligned head pins a frozen window and opens a tail")

	frozen := windowSub(t, core, ChunkFrozen)
	fc := frozen.query["items"].(map[string]any)["$"].(map[string]any)
	assert.Equal(t, "00000000-0000-0000-0000-000000000009", fc["after"].([]any)[0])
	assert.Equal(t, "00000000-0000-0000-0000-00000000000c", fc["before"].([]any)[0])

	assert.False(t, s.State().CanLoadMore)
	tail := windowSub(t, core, ChunkTailLive)
	tail.cb(page([]any{row(idC)}, idC, idC, false))
	assert.True(t, s.State().CanLoadMore)
	assert.Len(t, s.State().Data, 2, "the tail is not merged until frozen")

	s.LoadMore()
	st = s.State()
	assert.True(t, st.IsLoadingMore)
	assert.Equal(t, []any{row(idA), row(idB), row(idC)}, st.Data)

	kinds := make([]ChunkKind, 0, len(st.Chunks))
	for _, c := range st.Chunks {
		kinds = append(kinds, c.Kind)
	}
	assert.Equal(t, []ChunkKind{ChunkHeadLive, ChunkFrozen, ChunkFrozen, ChunkTailLive}, kinds)
	// old tail released, new tail opened
	assert.Len(t, core.liveQueries(), 4)
}

func TestInfiniteQueryHeadErrorReleasesHead(t *testing.T) {
	core := newFakeReactor()
	d := New(core, nil)

	s := d.UseInfiniteQuery("items", reactor.Query{"$": map[string]any{"pageSize": 2}}, nil)
	defer s.Close()

	windowSub(t, core, ChunkHeadLive).cb(&reactor.Result{Error: assert.AnError})
	assert.Empty(t, core.liveQueries())
	require.Len(t, s.State().Chunks, 1)
	assert.Equal(t, ChunkError, s.State().Chunks[0].Status)
}

func TestInfiniteQueryUpdateResets(t *testing.T) {
	core := newFakeReactor()
	d := New(core, nil)

	q := reactor.Query{"$": map[string]any{"pageSize": 2}}
	s := d.UseInfiniteQuery("items", q, nil)
	windowSub(t, core, ChunkHeadLive).cb(page([]any{row(idA), row(idB)}, idA, idB, true))
	require.Len(t, core.liveQueries(), 3)

	s.Update("items", reactor.Query{"$": map[string]any{"pageSize": 2.0}}, nil)
	assert.Len(t, core.liveQueries(), 3, "equal query keeps every window")

	s.Update("items", reactor.Query{"$": map[string]any{"pageSize": 5}}, nil)
	assert.Len(t, core.liveQueries(), 1)
	assert.True(t, s.State().IsLoading)

	s.Close()
	assert.Empty(t, core.liveQueries())
}

func TestIsCursorWindowAligned(t *testing.T) {
	data := []any{row(idA), row(idB)}
	assert.True(t, isCursorWindowAligned(data, cursor(idA), cursor(idB), 2))
	assert.False(t, isCursorWindowAligned(data, cursor(idA), cursor(idB), 3))
	assert.False(t, isCursorWindowAligned(data, cursor(idB), cursor(idB), 2))
	assert.False(t, isCursorWindowAligned(data, nil, cursor(idB), 2))
}

func TestShiftCursor(t *testing.T) {
	assert.Equal(t, "00000000-0000-0000-0000-000000000100", incrementCursor(cursor("00000000-0000-0000-0000-0000000000ff"))[0])
	assert.Equal(t, "00000000-0000-0000-0000-0000000000ff", decrementCursor(cursor("00000000-0000-0000-0000-000000000100"))[0])
	assert.Equal(t, "00000000-0000-0000-0000-000000000000", incrementCursor(cursor("ffffffff-ffff-ffff-ffff-ffffffffffff"))[0])
	assert.Equal(t, "not-a-uuid", incrementCursor(cursor("not-a-uuid"))[0])

	c := cursor(idA)
	_ = incrementCursor(c)
	assert.Equal(t, idA, c[0], "input is not modified")
}

package memreactor

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"realtime-bindings/pkg/reactor"
)

// createdAttr orders entities by insertion when a query names no order.
const createdAttr = "serverCreatedAt"

type entity struct {
	id      string
	attrs   map[string]any
	created int64
}

func (e *entity) value(attr string) any {
	if attr == createdAttr {
		return float64(e.created)
	}
	if attr == "id" {
		return e.id
	}
	return e.attrs[attr]
}

func (e *entity) row(fields []string) map[string]any {
	out := map[string]any{"id": e.id}
	if fields == nil {
		for k, v := range e.attrs {
			out[k] = deepCopy(v)
		}
		return out
	}
	for _, f := range fields {
		if v, ok := e.attrs[f]; ok {
			out[f] = deepCopy(v)
		}
	}
	return out
}

// store is the entity store: namespace -> id -> entity.
type store struct {
	namespaces map[string]map[string]*entity
	seq        int64
}

func newStore() *store {
	return &store{namespaces: map[string]map[string]*entity{}}
}

// evaluate answers q against the store. Top-level keys are namespaces; each namespace
// takes an optional "$" clause with where, fields, order, first, last, limit, after and
// before.
func (s *store) evaluate(q reactor.Query) *reactor.Result {
	data := map[string]any{}
	pageInfo := map[string]any{}
	for ns, raw := range q {
		if ns == reactor.RuleParamsKey {
			continue
		}
		body, ok := raw.(map[string]any)
		if !ok {
			return &reactor.Result{Error: fmt.Errorf("query for %q must be an object", ns)}
		}
		clause, _ := body["$"].(map[string]any)
		rows, info, err := s.evaluateNamespace(ns, clause)
		if err != nil {
			return &reactor.Result{Error: err}
		}
		data[ns] = rows
		pageInfo[ns] = info
	}
	return &reactor.Result{Data: data, PageInfo: pageInfo}
}

type ordering struct {
	attr string
	sign int
}

func parseOrder(clause map[string]any) (ordering, error) {
	o := ordering{attr: createdAttr, sign: 1}
	order, _ := clause["order"].(map[string]any)
	if len(order) > 1 {
		return o, fmt.Errorf("order accepts a single attribute, got %d", len(order))
	}
	for attr, dir := range order {
		o.attr = attr
		switch dir {
		case "asc":
		case "desc":
			o.sign = -1
		default:
			return o, fmt.Errorf("order direction for %q must be asc or desc", attr)
		}
	}
	return o, nil
}

func (o ordering) compare(a *entity, b *entity) int {
	return o.compareKey(a.value(o.attr), a.id, b.value(o.attr), b.id)
}

func (o ordering) compareKey(av any, aid string, bv any, bid string) int {
	c := compareValues(av, bv)
	if c == 0 {
		c = strings.Compare(aid, bid)
	}
	return o.sign * c
}

func (o ordering) cursor(e *entity) []any {
	return []any{e.id, o.attr, deepCopy(e.value(o.attr)), float64(e.created)}
}

// beyond reports how e sits relative to cursor c in result order.
func (o ordering) beyond(e *entity, c []any) int {
	if len(c) < 3 {
		return 1
	}
	id, _ := c[0].(string)
	return o.compareKey(e.value(o.attr), e.id, c[2], id)
}

func (s *store) evaluateNamespace(ns string, clause map[string]any) ([]any, map[string]any, error) {
	order, err := parseOrder(clause)
	if err != nil {
		return nil, nil, err
	}
	where, _ := clause["where"].(map[string]any)

	var matched []*entity
	for _, e := range s.namespaces[ns] {
		if matches(e, where) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return order.compare(matched[i], matched[j]) < 0 })

	var hasNext, hasPrev bool
	if after, ok := clause["after"].([]any); ok {
		kept := matched[:0:0]
		for _, e := range matched {
			if order.beyond(e, after) > 0 {
				kept = append(kept, e)
			}
		}
		hasPrev = len(kept) < len(matched)
		matched = kept
	}
	if before, ok := clause["before"].([]any); ok {
		kept := matched[:0:0]
		for _, e := range matched {
			if order.beyond(e, before) < 0 {
				kept = append(kept, e)
			}
		}
		hasNext = len(kept) < len(matched)
		matched = kept
	}

	first := toInt(clause["first"])
	if first == 0 {
		first = toInt(clause["limit"])
	}
	if first > 0 && len(matched) > first {
		matched = matched[:first]
		hasNext = true
	}
	if last := toInt(clause["last"]); last > 0 && len(matched) > last {
		matched = matched[len(matched)-last:]
		hasPrev = true
	}

	fields := toStrings(clause["fields"])
	rows := make([]any, 0, len(matched))
	for _, e := range matched {
		rows = append(rows, e.row(fields))
	}

	info := map[string]any{
		"startCursor":     nil,
		"endCursor":       nil,
		"hasNextPage":     hasNext,
		"hasPreviousPage": hasPrev,
	}
	if len(matched) > 0 {
		info["startCursor"] = order.cursor(matched[0])
		info["endCursor"] = order.cursor(matched[len(matched)-1])
	}
	return rows, info, nil
}

// matches applies equality filters. A filter value of {"$in": [...]} matches any member.
func matches(e *entity, where map[string]any) bool {
	for attr, want := range where {
		got := e.value(attr)
		if m, ok := want.(map[string]any); ok {
			if in, ok := m["$in"].([]any); ok {
				found := false
				for _, candidate := range in {
					if compareValues(got, candidate) == 0 {
						found = true
						break
					}
				}
				if !found {
					return false
				}
				continue
			}
		}
		if !reflect.DeepEqual(normalize(got), normalize(want)) {
			return false
		}
	}
	return true
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64, float32, int, int64, int32:
		return 2
	case string:
		return 3
	}
	return 4
}

// compareValues orders nil < bools < numbers < strings < everything else.
func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 0:
		return 0
	case 1:
		ab, bb := a.(bool), b.(bool)
		if ab == bb {
			return 0
		}
		if !ab {
			return -1
		}
		return 1
	case 2:
		af, bf := toFloat(a), toFloat(b)
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	case 3:
		return strings.Compare(a.(string), b.(string))
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func normalize(v any) any {
	if rank(v) == 2 {
		return toFloat(v)
	}
	return v
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	}
	return 0
}

func toInt(v any) int {
	if rank(v) != 2 {
		return 0
	}
	return int(toFloat(v))
}

func toStrings(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = deepCopy(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = deepCopy(inner)
		}
		return out
	}
	return v
}

// deepMerge merges patch into dst recursively; nested objects are merged rather than
// replaced.
func deepMerge(dst, patch map[string]any) {
	for k, v := range patch {
		pm, pok := v.(map[string]any)
		dm, dok := dst[k].(map[string]any)
		if pok && dok {
			deepMerge(dm, pm)
			continue
		}
		dst[k] = deepCopy(v)
	}
}

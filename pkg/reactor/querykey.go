package reactor

import (
	"encoding/json"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// RuleParamsKey is the reserved query key rule params are merged under.
const RuleParamsKey = "$$ruleParams"

// nilQueryHash keys every nil query.
const nilQueryHash = "null"

// WithRuleParams returns q with opts.RuleParams merged under RuleParamsKey.
// The input query is not modified.
func WithRuleParams(q Query, opts *QueryOptions) Query {
	if q == nil || opts == nil || opts.RuleParams == nil {
		return q
	}
	merged := make(Query, len(q)+1)
	merged[RuleParamsKey] = opts.RuleParams
	for k, v := range q {
		merged[k] = v
	}
	return merged
}

// Coerce canonicalizes a query through a JSON round trip: numbers collapse to float64,
// typed maps and slices become plain ones, and values that cannot be encoded are dropped
// by the encoder's own rules. A nil query stays nil.
func Coerce(q Query) Query {
	if q == nil {
		return nil
	}
	raw, err := json.Marshal(q)
	if err != nil {
		return q
	}
	var out Query
	if err := json.Unmarshal(raw, &out); err != nil {
		return q
	}
	return out
}

// Hash returns the structural fingerprint of a query. Map key order never changes the
// hash; slice order does.
func Hash(q Query) string {
	if q == nil {
		return nilQueryHash
	}
	// encoding/json writes map keys sorted, which makes the encoding canonical.
	raw, err := json.Marshal(q)
	if err != nil {
		return nilQueryHash
	}
	return strconv.FormatUint(xxhash.Sum64(raw), 16)
}

// Key prepares a caller's query for subscription: rule params merged, canonicalized and
// hashed.
func Key(q Query, opts *QueryOptions) (Query, string) {
	coerced := Coerce(WithRuleParams(q, opts))
	return coerced, Hash(coerced)
}

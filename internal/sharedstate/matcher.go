package sharedstate

// Matcher selects an array element for RemoveFromArray.
type Matcher interface {
	Match(elem any) bool
}

// MatchFunc adapts a predicate to a Matcher.
type MatchFunc func(elem any) bool

func (f MatchFunc) Match(elem any) bool {
	return f(elem)
}

// Equal matches elements equal to the primitive v.
func Equal(v any) Matcher {
	want := normalizedOrRaw(v)
	return MatchFunc(func(elem any) bool {
		return primitiveEqual(elem, want)
	})
}

// FieldEqual matches object elements whose field equals the primitive v.
func FieldEqual(field string, v any) Matcher {
	want := normalizedOrRaw(v)
	return MatchFunc(func(elem any) bool {
		obj, ok := elem.(map[string]any)
		if !ok {
			return false
		}
		got, ok := obj[field]
		return ok && primitiveEqual(got, want)
	})
}

func normalizedOrRaw(v any) any {
	n, err := normalize(v)
	if err != nil {
		return v
	}
	return n
}

func primitiveEqual(a, b any) bool {
	switch b.(type) {
	case nil, string, bool, float64:
		return a == b
	default:
		return false
	}
}

package merge

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/dmitrijs2005/fieldsync/internal/common"
)

// Object is a decoded JSON object.
type Object = map[string]any

// Normalize converts v into the JSON data model. Integers and json.Number
// become float64, typed maps and slices become map[string]any and []any.
// Functions, channels, complex numbers, NaN and infinities are rejected with
// common.ErrUnsupportedValue.
func Normalize(v any) (any, error) {
	return normalize(v, "$")
}

// NormalizeObject is Normalize for a top-level object.
func NormalizeObject(o map[string]any) (Object, error) {
	if o == nil {
		return nil, nil
	}
	v, err := normalize(o, "$")
	if err != nil {
		return nil, err
	}
	return v.(Object), nil
}

func normalize(v any, path string) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return x, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, unsupported(path, x)
		}
		return x, nil
	case float32:
		return normalize(float64(x), path)
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, unsupported(path, x)
		}
		return f, nil
	case map[string]any:
		out := make(Object, len(x))
		for k, item := range x {
			n, err := normalize(item, path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			n, err := normalize(item, path+"["+strconv.Itoa(i)+"]")
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case []map[string]any:
		out := make([]any, len(x))
		for i, item := range x {
			n, err := normalize(item, path+"["+strconv.Itoa(i)+"]")
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, nil
	case []float64:
		out := make([]any, len(x))
		for i, f := range x {
			n, err := normalize(f, path+"["+strconv.Itoa(i)+"]")
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		return nil, unsupported(path, v)
	}
}

func unsupported(path string, v any) error {
	return fmt.Errorf("%w at %s: %T", common.ErrUnsupportedValue, path, v)
}

// Equal reports whether a and b are structurally equal. A map key holding
// nil equals an absent key.
func Equal(a, b any) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	case float64:
		y, ok := b.(float64)
		return ok && x == y
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok {
			return false
		}
		return objectsEqual(x, y)
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func objectsEqual(a, b map[string]any) bool {
	for k, av := range a {
		if !Equal(av, b[k]) {
			return false
		}
	}
	for k, bv := range b {
		if _, seen := a[k]; seen {
			continue
		}
		if bv != nil {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of a normalized value.
func Clone(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return CloneObject(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = Clone(x[i])
		}
		return out
	default:
		return x
	}
}

// CloneObject deep-copies o. A nil object stays nil.
func CloneObject(o Object) Object {
	if o == nil {
		return nil
	}
	out := make(Object, len(o))
	for k, v := range o {
		out[k] = Clone(v)
	}
	return out
}

func sortedKeys(objs ...Object) []string {
	seen := make(map[string]struct{})
	for _, o := range objs {
		for k := range o {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// idOf extracts an item identity as a string. Only string and numeric ids
// are recognised.
func idOf(item any, field string) (string, bool) {
	o, ok := item.(map[string]any)
	if !ok {
		return "", false
	}
	switch id := o[field].(type) {
	case string:
		return id, id != ""
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	default:
		return "", false
	}
}

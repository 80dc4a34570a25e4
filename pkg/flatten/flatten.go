// Package flatten converts nested audit events into single-level mappings.
//
// Field paths are built by joining parent and child keys with an underscore;
// slice elements use their positional index as a path segment. Flattening is
// total: any value shape produces scalar leaves, and unknown types degrade to
// their string form rather than failing. Sources layer their own policies
// (extra prefixes, special-cased sub-objects) on top of Value.
package flatten

import (
	"fmt"
	"strconv"

	"github.com/saaslog/collector/pkg/events"
)

// Separator joins parent and child path segments.
const Separator = "_"

// frame is one pending (path, value) pair on the work stack. An explicit
// stack bounds memory on adversarially deep payloads where recursion would
// grow the goroutine stack instead.
type frame struct {
	path  string
	value interface{}
}

// Flatten converts a raw event into a flat event using the generic policy:
// every nested map and slice is descended until only scalars remain.
func Flatten(raw events.Raw) events.Flat {
	out := make(events.Flat, len(raw)*2)
	for k, v := range raw {
		Value(out, k, v)
	}
	return out
}

// Value flattens a single value into out under the given path prefix.
func Value(out events.Flat, path string, v interface{}) {
	stack := []frame{{path: path, value: v}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch val := f.value.(type) {
		case map[string]interface{}:
			for k, child := range val {
				stack = append(stack, frame{path: f.path + Separator + k, value: child})
			}
		case events.Raw:
			for k, child := range val {
				stack = append(stack, frame{path: f.path + Separator + k, value: child})
			}
		case []interface{}:
			for i, child := range val {
				stack = append(stack, frame{path: f.path + Separator + strconv.Itoa(i), value: child})
			}
		case nil, string, bool, float64, float32, int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64:
			out[f.path] = val
		default:
			// Unknown shape: degrade to a best-effort string.
			out[f.path] = fmt.Sprintf("%v", val)
		}
	}
}

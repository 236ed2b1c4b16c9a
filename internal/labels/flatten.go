package labels

import (
	"bytes"
	"fmt"

	"github.com/buger/jsonparser"
)

// Flatten walks an arbitrarily nested JSON integer array depth-first and
// returns its values in row-major order.
func Flatten(raw []byte) ([]int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, fmt.Errorf("%w: expected a JSON array", ErrInvalidClass)
	}

	out := make([]int, 0, estimateLen(raw))
	if err := flattenInto(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FlattenField extracts the nested array stored under key and flattens it.
func FlattenField(doc []byte, key string) ([]int, error) {
	value, typ, _, err := jsonparser.Get(doc, key)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", key, err)
	}
	if typ != jsonparser.Array {
		return nil, fmt.Errorf("%w: %q is a %s, want array", ErrInvalidClass, key, typ)
	}
	return Flatten(value)
}

func flattenInto(arr []byte, out *[]int) error {
	var walkErr error
	_, err := jsonparser.ArrayEach(arr, func(value []byte, typ jsonparser.ValueType, _ int, err error) {
		if walkErr != nil {
			return
		}
		if err != nil {
			walkErr = err
			return
		}
		switch typ {
		case jsonparser.Array:
			walkErr = flattenInto(value, out)
		case jsonparser.Number:
			n, err := jsonparser.ParseInt(value)
			if err != nil {
				walkErr = fmt.Errorf("%w: %s is not an integer", ErrInvalidClass, value)
				return
			}
			if n < 0 {
				walkErr = fmt.Errorf("%w: %d", ErrInvalidClass, n)
				return
			}
			*out = append(*out, int(n))
		default:
			walkErr = fmt.Errorf("%w: unexpected %s element", ErrInvalidClass, typ)
		}
	})
	if walkErr != nil {
		return walkErr
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidClass, err)
	}
	return nil
}

// estimateLen gives a capacity hint: roughly one value per comma.
func estimateLen(raw []byte) int {
	return bytes.Count(raw, []byte{','}) + 1
}

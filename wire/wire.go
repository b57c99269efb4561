// Package wire implements the extended-JSON codec shared by HTTP body
// decoding (spec.md §4.4) and the socket envelope (spec.md §4.5, §6): a
// JSON-based encoding that additionally preserves bigint, time.Time, and
// undefined-distinct-from-null, none of which plain encoding/json can
// round-trip on its own.
//
// No library in the retrieved example pack implements this exact
// extended-JSON scheme (closest prior art is plain encoding/json
// throughout handlers/session); it is narrow and spec-defined, so building
// it on encoding/json + math/big is the justified standard-library choice
// (see DESIGN.md).
package wire

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/atdiar/errors"
)

// Undefined is a marker value distinct from nil/null, used to represent
// the "not present" state a session field can be reset to (spec.md §8
// scenario 4: "Writing val=undefined returns undefined only with a store
// that preserves undefined").
type Undefined struct{}

// taggedKind is the discriminator embedded in the wire encoding of any
// value that plain JSON cannot represent losslessly.
type taggedKind string

const (
	kindBigInt    taggedKind = "bigint"
	kindDate      taggedKind = "date"
	kindUndefined taggedKind = "undefined"
)

type tagged struct {
	Kind  taggedKind `json:"$wireKind"`
	Value string     `json:"$wireValue"`
}

// Marshal encodes v into the extended-JSON wire representation.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(wrap(v))
}

// wrap converts Go values that need special handling into their tagged
// form; everything else passes through encoding/json unchanged.
func wrap(v any) any {
	switch t := v.(type) {
	case Undefined:
		return tagged{Kind: kindUndefined}
	case *big.Int:
		if t == nil {
			return nil
		}
		return tagged{Kind: kindBigInt, Value: t.String()}
	case time.Time:
		return tagged{Kind: kindDate, Value: t.UTC().Format(time.RFC3339Nano)}
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = wrap(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = wrap(val)
		}
		return out
	default:
		return v
	}
}

// Unmarshal decodes extended-JSON data into v (typically *any or a
// pointer to a concrete struct whose fields use the sentinel types
// above).
func Unmarshal(data []byte, v any) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.New("wire: malformed JSON").Wraps(err)
	}
	unwrapped, err := unwrap(raw)
	if err != nil {
		return err
	}
	reencoded, err := json.Marshal(unwrapped)
	if err != nil {
		return errors.New("wire: failed to re-encode after unwrapping").Wraps(err)
	}
	return json.Unmarshal(reencoded, v)
}

// DecodeValue decodes data into a generic any, resolving tagged values
// into their native Go representation (*big.Int, time.Time, Undefined).
// This is what dispatch/socket use when the target shape isn't known
// ahead of time (a positional argument array, for instance).
func DecodeValue(data []byte) (any, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.New("wire: malformed JSON").Wraps(err)
	}
	return unwrap(raw)
}

func unwrap(raw any) (any, error) {
	switch t := raw.(type) {
	case map[string]any:
		if kindRaw, ok := t["$wireKind"]; ok {
			kind, _ := kindRaw.(string)
			valRaw, _ := t["$wireValue"].(string)
			switch taggedKind(kind) {
			case kindBigInt:
				bi, ok := new(big.Int).SetString(valRaw, 10)
				if !ok {
					return nil, errors.New("wire: malformed bigint value " + valRaw)
				}
				return bi, nil
			case kindDate:
				tm, err := time.Parse(time.RFC3339Nano, valRaw)
				if err != nil {
					return nil, errors.New("wire: malformed date value " + valRaw).Wraps(err)
				}
				return tm, nil
			case kindUndefined:
				return Undefined{}, nil
			}
		}
		out := make(map[string]any, len(t))
		for k, v := range t {
			uv, err := unwrap(v)
			if err != nil {
				return nil, err
			}
			out[k] = uv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			uv, err := unwrap(v)
			if err != nil {
				return nil, err
			}
			out[i] = uv
		}
		return out, nil
	default:
		return raw, nil
	}
}

// IsAmbiguousJSONValue reports whether raw, already parsed as a bare JSON
// value, has a shape that could be mistaken for something other than a
// single positional argument — i.e. it is neither an array, an object, a
// string, a number, a bool, nor null. In practice encoding/json's decoder
// never produces such a value, so this exists to document and enforce the
// spec.md §4.4/§9b rule at the one place a caller must decide "is this
// bare-JSON body acceptable as one argument", rather than to catch a case
// the decoder could ever actually hit.
func IsAmbiguousJSONValue(raw any) bool {
	switch raw.(type) {
	case nil, bool, float64, string, []any, map[string]any, *big.Int, time.Time, Undefined:
		return false
	default:
		return true
	}
}

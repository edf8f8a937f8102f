package profile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a loosely typed column or fact value. Enrichment writers store
// strings, JSON lists, and nested objects interchangeably; Value keeps the
// shape and the coercion methods decide what a field means.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	list []Value
	obj  map[string]Value
}

// Null is the zero Value.
func Null() Value { return Value{} }

// String wraps s.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number wraps f.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Bool wraps b.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// List wraps items.
func List(items ...Value) Value { return Value{kind: KindList, list: items} }

// Object wraps m.
func Object(m map[string]Value) Value { return Value{kind: KindObject, obj: m} }

// StringList wraps a []string as a list Value.
func StringList(items []string) Value {
	out := make([]Value, len(items))
	for i, s := range items {
		out[i] = String(s)
	}
	return List(out...)
}

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v holds nothing.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Items returns the elements of a list (nil otherwise).
func (v Value) Items() []Value { return v.list }

// Get returns an object member (Null when absent or not an object).
func (v Value) Get(key string) Value {
	if v.kind != KindObject {
		return Null()
	}
	return v.obj[key]
}

// FromAny converts a decoded JSON value or a database/sql scan result.
func FromAny(src any) Value {
	switch x := src.(type) {
	case nil:
		return Null()
	case Value:
		return x
	case string:
		return String(x)
	case []byte:
		return fromBytes(x)
	case json.RawMessage:
		return fromBytes(x)
	case bool:
		return Bool(x)
	case int:
		return Number(float64(x))
	case int32:
		return Number(float64(x))
	case int64:
		return Number(float64(x))
	case float32:
		return Number(float64(x))
	case float64:
		return Number(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return String(x.String())
		}
		return Number(f)
	case time.Time:
		return String(x.UTC().Format(time.RFC3339))
	case []string:
		return StringList(x)
	case []any:
		out := make([]Value, len(x))
		for i, item := range x {
			out[i] = FromAny(item)
		}
		return List(out...)
	case map[string]any:
		out := make(map[string]Value, len(x))
		for k, item := range x {
			out[k] = FromAny(item)
		}
		return Object(out)
	default:
		return String(fmt.Sprint(x))
	}
}

// fromBytes decodes JSON when the bytes are valid JSON, otherwise keeps them
// as text. JSONB columns arrive this way from the PostgreSQL driver.
func fromBytes(b []byte) Value {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return Null()
	}
	if json.Valid(trimmed) {
		var v Value
		if err := json.Unmarshal(trimmed, &v); err == nil {
			return v
		}
	}
	return String(string(b))
}

// Scan implements sql.Scanner. Text columns holding JSON are decoded, since
// SQLite stores the JSON columns as TEXT.
func (v *Value) Scan(src any) error {
	if s, ok := src.(string); ok {
		if trimmed := strings.TrimSpace(s); looksJSON(trimmed) {
			*v = fromBytes([]byte(trimmed))
			return nil
		}
	}
	*v = FromAny(src)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

// Any converts v back to plain Go values.
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Any()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, item := range v.obj {
			out[k] = item.Any()
		}
		return out
	default:
		return nil
	}
}

// listKeys are the object members that carry a list item's label.
var listKeys = []string{"value", "topic", "name", "display_name", "label", "text", "handle", "username", "user"}

// textKeys are the object members that carry a scalar label.
var textKeys = []string{"value", "name", "display_name", "label", "text", "handle", "username", "user"}

// CleanText collapses whitespace runs and trims.
func CleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func looksJSON(s string) bool {
	return strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{")
}

// parsedString decodes a JSON-looking string, reporting false otherwise.
func parsedString(s string) (Value, bool) {
	if !looksJSON(s) {
		return Value{}, false
	}
	var parsed Value
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		return Value{}, false
	}
	return parsed, true
}

// Text returns a single cleaned label, "" when v carries none.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return CleanText(v.str)
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindObject:
		for _, key := range textKeys {
			if m, ok := v.obj[key]; ok && m.kind == KindString {
				if clean := CleanText(m.str); clean != "" {
					return clean
				}
			}
		}
	}
	return ""
}

// Strings flattens v into at most max distinct labels.
func (v Value) Strings(max int) []string {
	var out []string
	v.appendStrings(&out, max)
	return out
}

func (v Value) appendStrings(out *[]string, max int) {
	if max > 0 && len(*out) >= max {
		return
	}
	switch v.kind {
	case KindString:
		clean := CleanText(v.str)
		if clean == "" {
			return
		}
		if parsed, ok := parsedString(clean); ok {
			parsed.appendStrings(out, max)
			return
		}
		appendUnique(out, clean)
	case KindNumber:
		appendUnique(out, v.Text())
	case KindObject:
		for _, key := range listKeys {
			if m, ok := v.obj[key]; ok {
				m.appendStrings(out, max)
				return
			}
		}
	case KindList:
		for _, item := range v.list {
			item.appendStrings(out, max)
			if max > 0 && len(*out) >= max {
				return
			}
		}
	}
}

func appendUnique(out *[]string, s string) {
	for _, existing := range *out {
		if existing == s {
			return
		}
	}
	*out = append(*out, s)
}

// Int returns v as an integer. Booleans and non-digit strings do not count.
func (v Value) Int() (int, bool) {
	switch v.kind {
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return 0, false
		}
		return int(v.num), true
	case KindString:
		clean := strings.TrimSpace(v.str)
		if clean == "" {
			return 0, false
		}
		for _, r := range clean {
			if r < '0' || r > '9' {
				return 0, false
			}
		}
		n, err := strconv.Atoi(clean)
		return n, err == nil
	}
	return 0, false
}

// Ints returns at most max distinct integers from a list (or a JSON list
// string).
func (v Value) Ints(max int) []int {
	switch v.kind {
	case KindString:
		clean := CleanText(v.str)
		if !strings.HasPrefix(clean, "[") {
			return nil
		}
		parsed, ok := parsedString(clean)
		if !ok {
			return nil
		}
		return parsed.Ints(max)
	case KindList:
		var out []int
		seen := make(map[int]bool)
		for _, item := range v.list {
			n, ok := item.Int()
			if !ok || seen[n] {
				continue
			}
			seen[n] = true
			out = append(out, n)
			if max > 0 && len(out) >= max {
				break
			}
		}
		return out
	}
	return nil
}

// Partners returns at most max conversation-partner labels, rendering
// {"name": "x", "count": 3} as "x (3)".
func (v Value) Partners(max int) []string {
	var out []string
	v.appendPartners(&out, max)
	return out
}

func (v Value) appendPartners(out *[]string, max int) {
	if max > 0 && len(*out) >= max {
		return
	}
	switch v.kind {
	case KindString:
		clean := CleanText(v.str)
		if clean == "" {
			return
		}
		if parsed, ok := parsedString(clean); ok {
			parsed.appendPartners(out, max)
			return
		}
		appendUnique(out, clean)
	case KindObject:
		label := v.Text()
		if label == "" {
			return
		}
		if n, ok := v.obj["count"].Int(); ok && n > 0 {
			label = fmt.Sprintf("%s (%d)", label, n)
		}
		appendUnique(out, label)
	case KindList:
		for _, item := range v.list {
			item.appendPartners(out, max)
			if max > 0 && len(*out) >= max {
				return
			}
		}
	}
}

// Keys returns the sorted member names of an object.
func (v Value) Keys() []string {
	if v.kind != KindObject {
		return nil
	}
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

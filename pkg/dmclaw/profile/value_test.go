package profile

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestValueStrings(t *testing.T) {
	tests := []struct {
		name string
		src  any
		max  int
		want []string
	}{
		{"plain string", "  grants   and  partnerships ", 10, []string{"grants and partnerships"}},
		{"json list string", `["defi", "zk", "defi"]`, 10, []string{"defi", "zk"}},
		{"objects by key", []any{map[string]any{"topic": "rollups"}, map[string]any{"name": "MEV"}}, 10, []string{"rollups", "MEV"}},
		{"nested lists", []any{[]any{"a", "b"}, "c"}, 2, []string{"a", "b"}},
		{"numbers", []any{1.0, 2.5}, 10, []string{"1", "2.5"}},
		{"null", nil, 10, nil},
		{"broken json stays text", `[not json`, 10, []string{"[not json"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromAny(tt.src).Strings(tt.max)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Strings() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValueText(t *testing.T) {
	tests := []struct {
		src  any
		want string
	}{
		{"  hello  world ", "hello world"},
		{map[string]any{"display_name": "Ana", "id": 3.0}, "Ana"},
		{map[string]any{"other": "x"}, ""},
		{[]any{"a"}, ""},
		{true, ""},
		{42.0, "42"},
	}
	for _, tt := range tests {
		if got := FromAny(tt.src).Text(); got != tt.want {
			t.Errorf("Text(%v) = %q, want %q", tt.src, got, tt.want)
		}
	}
}

func TestValueInts(t *testing.T) {
	if got := FromAny(`[9, "10", 9, "x", true, 23]`).Ints(8); !reflect.DeepEqual(got, []int{9, 10, 23}) {
		t.Errorf("Ints() = %v", got)
	}
	if n, ok := String(" 12 ").Int(); !ok || n != 12 {
		t.Errorf("Int() = %d, %v", n, ok)
	}
	if _, ok := String("12a").Int(); ok {
		t.Error("12a should not parse")
	}
	if _, ok := Bool(true).Int(); ok {
		t.Error("booleans are not integers")
	}
}

func TestValuePartners(t *testing.T) {
	src := []any{
		map[string]any{"name": "alice", "count": 12.0},
		map[string]any{"handle": "bob"},
		"carol",
	}
	want := []string{"alice (12)", "bob", "carol"}
	if got := FromAny(src).Partners(6); !reflect.DeepEqual(got, want) {
		t.Errorf("Partners() = %q, want %q", got, want)
	}
}

func TestValueScanAndJSON(t *testing.T) {
	var v Value
	if err := v.Scan([]byte(`{"value": "concise"}`)); err != nil {
		t.Fatal(err)
	}
	if v.Kind() != KindObject || v.Text() != "concise" {
		t.Errorf("scanned %v (%s)", v.Any(), v.Kind())
	}

	if err := v.Scan(`["a","b"]`); err != nil {
		t.Fatal(err)
	}
	if v.Kind() != KindList {
		t.Errorf("JSON text should decode to a list, got %s", v.Kind())
	}

	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `["a","b"]` {
		t.Errorf("MarshalJSON = %s", b)
	}
}

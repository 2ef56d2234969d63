package canonicalize

import (
	"encoding/json"
	"testing"
)

func TestJCS_Sorting(t *testing.T) {
	b, err := JCS(map[string]interface{}{"c": 3, "a": 1, "b": 2})
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if string(b) != `{"a":1,"b":2,"c":3}` {
		t.Errorf("unexpected canonical form %s", b)
	}
}

func TestJCS_NestedSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{"y": "foo", "x": "bar"},
		"a": []interface{}{3, 1, 2},
	}
	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	// arrays keep their order, objects are sorted at every level
	if string(b) != `{"a":[3,1,2],"z":{"x":"bar","y":"foo"}}` {
		t.Errorf("unexpected canonical form %s", b)
	}
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	b, err := JCS(map[string]string{"html": "<b>cost & quality</b>"})
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if string(b) != `{"html":"<b>cost & quality</b>"}` {
		t.Errorf("unexpected canonical form %s", b)
	}
}

func TestJCS_Numbers(t *testing.T) {
	b, err := JCS(map[string]interface{}{"num": json.Number("123.456"), "int": 4, "f": 1.0})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"f":1,"int":4,"num":123.456}` {
		t.Errorf("unexpected canonical form %s", b)
	}
}

func TestCanonicalHash_StructAndMapAgree(t *testing.T) {
	type entry struct {
		Seq      uint64 `json:"seq"`
		Decision string `json:"decision"`
	}
	h1, err := CanonicalHash(entry{Seq: 7, Decision: "admit"})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := CanonicalHash(map[string]interface{}{"decision": "admit", "seq": 7})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("hash mismatch for identical content: %s != %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(h1))
	}
}

func TestJCSString(t *testing.T) {
	s, err := JCSString(map[string]int{"b": 2, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if s != `{"a":1,"b":2}` {
		t.Fatalf("unexpected %q", s)
	}
}

func TestJCS_Unmarshalable(t *testing.T) {
	if _, err := JCS(map[string]interface{}{"ch": make(chan int)}); err == nil {
		t.Fatal("expected error for channel value")
	}
}

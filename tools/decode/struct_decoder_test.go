package decode

import "testing"

type sample struct {
	Name  string         `json:"name"`
	Count int            `json:"count"`
	Data  map[string]any `json:"data"`
}

func TestDecodeMap(t *testing.T) {
	out, err := DecodeMap[sample](map[string]any{
		"name":  "x",
		"count": float64(3), // parsed JSON numbers arrive as float64
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Name != "x" || out.Count != 3 {
		t.Fatalf("decoded = %+v", out)
	}
}

func TestDecodeMapNil(t *testing.T) {
	if _, err := DecodeMap[sample](nil); err == nil {
		t.Fatal("nil map must error")
	}
}

func TestDecodeDoubleEncodedData(t *testing.T) {
	out, err := DecodeMap[sample](map[string]any{
		"name": "x",
		"data": `{"k":"v"}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Data["k"] != "v" {
		t.Fatalf("data = %+v", out.Data)
	}
}

func TestDecodePartialReportsPresence(t *testing.T) {
	out, present, err := DecodePartial[sample](map[string]any{"count": float64(2)})
	if err != nil {
		t.Fatal(err)
	}
	if out.Count != 2 {
		t.Fatalf("count = %d", out.Count)
	}
	if !present["count"] || present["name"] {
		t.Fatalf("present = %v", present)
	}
}

func TestReadString(t *testing.T) {
	m := map[string]any{"a": "x", "b": 1}
	if s, err := ReadString(m, "a"); err != nil || s != "x" {
		t.Fatalf("got %q, %v", s, err)
	}
	if _, err := ReadString(m, "b"); err == nil {
		t.Fatal("non-string must error")
	}
	if _, err := ReadString(m, "missing"); err == nil {
		t.Fatal("missing key must error")
	}
}

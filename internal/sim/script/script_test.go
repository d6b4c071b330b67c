package script

import "testing"

func TestBuiltins_Registered(t *testing.T) {
	r := Builtins()
	for _, ref := range []string{RefSpinner, RefCounter, RefGreeter, RefDoor, RefCrasher} {
		if _, ok := r.Lookup(ref); !ok {
			t.Fatalf("missing builtin %s", ref)
		}
	}
	if err := r.Register(RefSpinner, Func(spinner)); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if len(r.Refs()) != 5 {
		t.Fatalf("refs=%v", r.Refs())
	}
}

func TestResponse_Narrowed(t *testing.T) {
	resp := NewResponse(201, "Created", map[string]string{"content-type": "application/json"}, []byte(`{"a":1}`))
	if !resp.OK || resp.Status != 201 {
		t.Fatalf("unexpected status: %+v", resp)
	}
	var v struct{ A int }
	if err := resp.JSON(&v); err != nil || v.A != 1 {
		t.Fatalf("json: %v %+v", err, v)
	}
	b := resp.Bytes()
	b[0] = 'x'
	if resp.Text() != `{"a":1}` {
		t.Fatalf("bytes should be a copy")
	}
	if NewResponse(404, "Not Found", nil, nil).OK {
		t.Fatalf("404 should not be ok")
	}
}

func TestNumber(t *testing.T) {
	if Number(2, 0) != 2 || Number(int8(3), 0) != 3 || Number("x", 7) != 7 || Number(1.5, 0) != 1.5 {
		t.Fatalf("number conversions wrong")
	}
}

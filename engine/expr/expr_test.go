package expr

import (
	"errors"
	"testing"
)

func TestCompile_Valid(t *testing.T) {
	sources := []string{
		`row.score > 3`,
		`row.name == 'alice' && row.age >= 21`,
		`!(row.flag) || row.count < 10`,
		`row.category in ['a', 'b', 'c']`,
		`row["weird key"] != null`,
		`row.a.b.c == true`,
		`(row.x + row.y) * 2 > 10`,
		`row.total % 2 == 0`,
	}
	for _, src := range sources {
		t.Run(src, func(t *testing.T) {
			if _, err := Compile(src); err != nil {
				t.Errorf("Compile(%q) failed: %v", src, err)
			}
		})
	}
}

func TestCompile_Invalid(t *testing.T) {
	sources := []string{
		``,
		`score > 3`,         // unbound name
		`row.score >`,       // dangling operator
		`row`,               // bare row is not a value
		`delete(row.score)`, // no function calls
		`row.score > 3 row`, // trailing garbage
	}
	for _, src := range sources {
		t.Run(src, func(t *testing.T) {
			if _, err := Compile(src); err == nil {
				t.Errorf("Compile(%q) succeeded, want error", src)
			}
		})
	}
}

func TestEvalBool(t *testing.T) {
	cases := []struct {
		name string
		src  string
		row  map[string]any
		want bool
	}{
		{"greater", `row.score > 3`, map[string]any{"score": 5}, true},
		{"not greater", `row.score > 3`, map[string]any{"score": 2}, false},
		{"float and int compare", `row.score >= 3`, map[string]any{"score": 3.0}, true},
		{"and short circuit", `row.a == 1 && row.b == 2`, map[string]any{"a": 1, "b": 2}, true},
		{"or", `row.a == 9 || row.b == 2`, map[string]any{"a": 1, "b": 2}, true},
		{"not", `!(row.ok)`, map[string]any{"ok": false}, true},
		{"string equality", `row.name == 'x'`, map[string]any{"name": "x"}, true},
		{"membership", `row.tag in ['a', 'b']`, map[string]any{"tag": "b"}, true},
		{"missing field is null", `row.gone == null`, map[string]any{}, true},
		{"nested access", `row.meta.kind == 'row'`, map[string]any{"meta": map[string]any{"kind": "row"}}, true},
		{"arithmetic", `row.x + row.y == 7`, map[string]any{"x": 3, "y": 4}, true},
		{"string concat", `row.a + row.b == 'xy'`, map[string]any{"a": "x", "b": "y"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, err := Compile(tc.src)
			if err != nil {
				t.Fatalf("Compile failed: %v", err)
			}
			got, err := e.EvalBool(tc.row)
			if err != nil {
				t.Fatalf("EvalBool failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("%s = %v, want %v", tc.src, got, tc.want)
			}
		})
	}
}

func TestEvalBool_NonBoolResult(t *testing.T) {
	e, err := Compile(`row.x + 1`)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	_, err = e.EvalBool(map[string]any{"x": 1})
	var evalErr *EvalError
	if !errors.As(err, &evalErr) {
		t.Errorf("expected EvalError for non-bool result, got: %v", err)
	}
}

func TestEval_DivisionByZero(t *testing.T) {
	e, err := Compile(`row.x / row.y > 1`)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if _, err := e.Eval(map[string]any{"x": 1, "y": 0}); err == nil {
		t.Error("expected division-by-zero error, got nil")
	}
}

func TestEval_TypeMismatch(t *testing.T) {
	e, err := Compile(`row.name > 3`)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if _, err := e.Eval(map[string]any{"name": "alice"}); err == nil {
		t.Error("expected type mismatch error, got nil")
	}
}

func TestSource_Preserved(t *testing.T) {
	src := `row.score > 3`
	e, err := Compile(src)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if e.Source() != src {
		t.Errorf("Source() = %q, want %q", e.Source(), src)
	}
}

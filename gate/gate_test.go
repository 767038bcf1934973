package gate

import (
	"sync"
	"testing"

	conduit "github.com/forgeworks/conduit"
)

func TestEvalPass(t *testing.T) {
	ev, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	preds := map[string]conduit.GatePredecessorView{
		"a": {
			Status: "completed",
			Artifacts: conduit.MapValue(map[string]conduit.Value{
				"score": conduit.ScalarValue(0.9),
			}),
		},
	}

	ok, err := ev.Eval(`preds["a"].status == "completed" && preds["a"].artifacts.score > 0.8`, preds)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if !ok {
		t.Error("expected gate to pass")
	}
}

func TestEvalFail(t *testing.T) {
	ev, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	preds := map[string]conduit.GatePredecessorView{
		"a": {Status: "failed"},
	}

	ok, err := ev.Eval(`preds["a"].status == "completed"`, preds)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if ok {
		t.Error("expected gate to fail")
	}
}

func TestEvalCompileError(t *testing.T) {
	ev, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = ev.Eval(`preds["a"].status ==`, nil)
	if err == nil {
		t.Error("expected compile error")
	}
}

func TestEvalNonBoolResult(t *testing.T) {
	ev, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = ev.Eval(`"not a bool"`, nil)
	if err == nil {
		t.Error("expected error for non-bool expression result")
	}
}

func TestEvalCachesCompiledProgram(t *testing.T) {
	ev, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	preds := map[string]conduit.GatePredecessorView{"a": {Status: "completed"}}
	expr := `preds["a"].status == "completed"`

	if _, err := ev.Eval(expr, preds); err != nil {
		t.Fatal(err)
	}
	if len(ev.cache) != 1 {
		t.Fatalf("expected 1 cached program, got %d", len(ev.cache))
	}
	if _, err := ev.Eval(expr, preds); err != nil {
		t.Fatal(err)
	}
	if len(ev.cache) != 1 {
		t.Fatalf("expected cache to stay at 1 entry, got %d", len(ev.cache))
	}
}

func TestEvalConcurrentDistinctExpressions(t *testing.T) {
	ev, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	preds := map[string]conduit.GatePredecessorView{"a": {Status: "completed"}}
	exprs := []string{
		`preds["a"].status == "completed"`,
		`preds["a"].status != "failed"`,
		`preds.size() == 1`,
		`"a" in preds`,
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				pass, err := ev.Eval(exprs[(i+j)%len(exprs)], preds)
				if err != nil {
					t.Errorf("Eval: %v", err)
					return
				}
				if !pass {
					t.Error("expected every expression to pass")
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

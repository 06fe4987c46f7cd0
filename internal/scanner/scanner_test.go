package scanner

import (
	"context"
	"testing"
)

func TestQuickStaticScanner_FlagsDangerousCalls(t *testing.T) {
	s := NewQuickStatic()
	verdict, err := s.Scan(context.Background(), "import os\nos.system('rm -rf /')\n")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if verdict.Safe {
		t.Fatalf("expected unsafe verdict")
	}
	if len(verdict.Issues) == 0 {
		t.Fatalf("expected at least one issue")
	}
}

func TestQuickStaticScanner_AllowsCleanCode(t *testing.T) {
	s := NewQuickStatic()
	verdict, err := s.Scan(context.Background(), "def solve(x):\n    return x * 2\n")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !verdict.Safe {
		t.Fatalf("expected safe verdict, got issues: %v", verdict.Issues)
	}
}

func TestNoopScanner_AlwaysSafe(t *testing.T) {
	verdict, err := NoopScanner{}.Scan(context.Background(), "os.system('anything')")
	if err != nil || !verdict.Safe {
		t.Fatalf("expected noop scanner to always pass, got %+v err=%v", verdict, err)
	}
}

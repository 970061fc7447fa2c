package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"promptfuzz/internal/program"

	"github.com/google/go-cmp/cmp"
)

func TestLayout_Paths(t *testing.T) {
	l := New("/out", "zlib")
	tests := []struct {
		got, want string
	}{
		{l.SeedDir(), "/out/zlib/seeds"},
		{l.ErrorDir(), "/out/zlib/errors"},
		{l.CoreDir(7), "/out/zlib/fused/Core_007"},
		{l.WorkDir(42), "/out/zlib/work/id_000042"},
		{l.CoveragePath(3), "/out/zlib/work/id_000003/coverage.json"},
	}
	for _, tt := range tests {
		if tt.got != filepath.FromSlash(tt.want) {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestLayout_SaveAndList(t *testing.T) {
	l := New(t.TempDir(), "cJSON")
	if err := l.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	for _, id := range []int64{12, 3, 7} {
		p := program.New("void f() {}")
		p.ID = id
		if err := l.SaveAccepted(&p); err != nil {
			t.Fatalf("SaveAccepted: %v", err)
		}
	}
	bad := program.New("int x = ;")
	bad.ID = 4
	bad.Reject("expected expression")
	if err := l.SaveRejected(&bad); err != nil {
		t.Fatalf("SaveRejected: %v", err)
	}
	diag, err := os.ReadFile(filepath.Join(l.ErrorDir(), "id_000004.cc.err"))
	if err != nil || string(diag) != "expected expression" {
		t.Errorf("diagnostic = %q, %v", diag, err)
	}

	seeds, err := l.ListSeeds("")
	if err != nil {
		t.Fatalf("ListSeeds: %v", err)
	}
	var ids []int64
	for _, s := range seeds {
		ids = append(ids, s.ID)
	}
	if diff := cmp.Diff([]int64{3, 7, 12}, ids); diff != "" {
		t.Errorf("seed ids mismatch (-want +got):\n%s", diff)
	}
}

func TestLayout_Demote(t *testing.T) {
	l := New(t.TempDir(), "zlib")
	p := program.New("void g() {}")
	p.ID = 1
	if err := l.SaveAccepted(&p); err != nil {
		t.Fatalf("SaveAccepted: %v", err)
	}
	if err := l.Demote(&p, "heap-use-after-free"); err != nil {
		t.Fatalf("Demote: %v", err)
	}
	if _, err := os.Stat(filepath.Join(l.SeedDir(), "id_000001.cc")); !os.IsNotExist(err) {
		t.Errorf("seed still present: %v", err)
	}
	if p.Status != program.StatusRejected {
		t.Errorf("status = %s", p.Status)
	}
}

package program

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestExtractCode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"blank", "  \n", nil},
		{"bare", "void f() {}", []string{"void f() {}\n"}},
		{"prose dropped", "Sorry, I cannot help with that.", nil},
		{"unbalanced brace is prose", "use } then {", nil},
		{
			"fenced with prose",
			"Here you go:\n```cpp\nvoid f() {}\n```\nand another\n```\nint g();\n```\n",
			[]string{"void f() {}\n", "int g();\n"},
		},
		{"empty fence skipped", "```c++\n\n```", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, ExtractCode(tt.in)); diff != "" {
				t.Errorf("ExtractCode mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestProgram_StatusTransitions(t *testing.T) {
	p := New("int main(){}")
	if p.Status != StatusPending || p.ID != -1 {
		t.Fatalf("unexpected new program: %+v", p)
	}
	p.Reject("error: use of undeclared identifier")
	if p.Status != StatusRejected || p.Err == "" {
		t.Errorf("Reject: %+v", p)
	}
	p.Accept()
	if p.Status != StatusAccepted || p.Err != "" {
		t.Errorf("Accept: %+v", p)
	}
}

func TestProgram_FileName(t *testing.T) {
	p := Program{ID: 42}
	if got := p.FileName(); got != "id_000042.cc" {
		t.Errorf("FileName = %q", got)
	}
}

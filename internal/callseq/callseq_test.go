package callseq

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const zlibSequence = `
void test_zlib_api_sequence() {
    z_stream strm;
    memset(&strm, 0, sizeof(strm));
    deflateInit(&strm, Z_DEFAULT_COMPRESSION);
    deflate(&strm, Z_FINISH);
    deflateEnd(&strm);
    printf("API sequence test completed successfully.\n");
}
`

func TestCalls_ProgramOrder(t *testing.T) {
	calls, err := Calls(context.Background(), []byte(zlibSequence))
	if err != nil {
		t.Fatalf("Calls: %v", err)
	}
	want := []string{"memset", "deflateInit", "deflate", "deflateEnd", "printf"}
	if diff := cmp.Diff(want, calls); diff != "" {
		t.Errorf("Calls mismatch (-want +got):\n%s", diff)
	}
}

func TestCalls_NestedCallsArePreOrder(t *testing.T) {
	src := []byte(`void f() { outer(inner(1), other()); }`)
	calls, err := Calls(context.Background(), src)
	if err != nil {
		t.Fatalf("Calls: %v", err)
	}
	want := []string{"outer", "inner", "other"}
	if diff := cmp.Diff(want, calls); diff != "" {
		t.Errorf("Calls mismatch (-want +got):\n%s", diff)
	}
}

func TestBigrams(t *testing.T) {
	tests := []struct {
		name  string
		calls []string
		want  []Pair
	}{
		{"empty", nil, nil},
		{"single", []string{"a"}, nil},
		{"three", []string{"a", "b", "a"}, []Pair{{"a", "b"}, {"b", "a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, Bigrams(tt.calls)); diff != "" {
				t.Errorf("Bigrams mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUsed_DistinctAndFiltered(t *testing.T) {
	keep := func(s string) bool { return s != "printf" }
	got := Used([]string{"deflate", "printf", "deflate", "deflateEnd"}, keep)
	want := []string{"deflate", "deflateEnd"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Used mismatch (-want +got):\n%s", diff)
	}
}

package fusion

import "testing"

const entry = "test_zlib_api_sequence"

func TestRenameEntry(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "definition",
			src:  "void test_zlib_api_sequence() {\n  deflate();\n}\n",
			want: "void test_zlib_api_sequence_3() {\n  deflate();\n}\n",
		},
		{
			name: "comments and strings untouched",
			src:  "// test_zlib_api_sequence\n/* test_zlib_api_sequence */\nprintf(\"test_zlib_api_sequence\\n\"); test_zlib_api_sequence();",
			want: "// test_zlib_api_sequence\n/* test_zlib_api_sequence */\nprintf(\"test_zlib_api_sequence\\n\"); test_zlib_api_sequence_3();",
		},
		{
			name: "longer identifiers untouched",
			src:  "int my_test_zlib_api_sequence = test_zlib_api_sequence_helper + test_zlib_api_sequence;",
			want: "int my_test_zlib_api_sequence = test_zlib_api_sequence_helper + test_zlib_api_sequence_3;",
		},
		{
			name: "raw string and char literal",
			src:  "auto s = R\"x(test_zlib_api_sequence)\" )x\"; char c = '\"'; test_zlib_api_sequence();",
			want: "auto s = R\"x(test_zlib_api_sequence)\" )x\"; char c = '\"'; test_zlib_api_sequence_3();",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RenameEntry(tt.src, entry, 3); got != tt.want {
				t.Errorf("RenameEntry =\n%q\nwant\n%q", got, tt.want)
			}
		})
	}
}

func TestRenameEntry_RoundTrip(t *testing.T) {
	srcs := []string{
		"void test_zlib_api_sequence() { puts(\"test_zlib_api_sequence\"); }",
		"/* unterminated comment test_zlib_api_sequence",
		"int x = 'a'; void test_zlib_api_sequence(){}\n#define CALL test_zlib_api_sequence()\n",
		"",
	}
	for _, src := range srcs {
		for _, ord := range []int{0, 7, 123} {
			if got := StripSuffix(RenameEntry(src, entry, ord), entry, ord); got != src {
				t.Errorf("round trip ordinal %d:\n got %q\nwant %q", ord, got, src)
			}
		}
	}
}

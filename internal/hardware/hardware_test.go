package hardware

import "testing"

func TestClassify(t *testing.T) {
	tt := []struct {
		in   string
		want string
	}{
		{"C9200L-24T-4G", "Cat9200"},
		{"Catalyst 9200 Series", "Cat9200"},
		{"ASR 1001-X", "ASR1K"},
		{"Cisco ASR9010 Series", "ASR9K"},
		{"a generic free-text mention", ""},
	}
	for _, tc := range tt {
		if got := Classify(tc.in); got != tc.want {
			t.Errorf("Classify(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestClassifyShowVersion(t *testing.T) {
	out := "Cisco IOS XE Software\ncisco C9300-24T (X86) processor with 4194304K/6147K bytes of memory.\n"
	got := ClassifyShowVersion(out)
	if got == nil || *got != "Cat9300" {
		t.Fatalf("got %v, want Cat9300", got)
	}
}

package format

import "testing"

func TestHumanBytes2(t *testing.T) {
	cases := []struct {
		in   uint64
		want string
	}{
		{0, "0 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1 << 20, "1.0 MiB"},
		{1 << 30, "1.0 GiB"},
	}
	for _, c := range cases {
		if got := HumanBytes2(c.in); got != c.want {
			t.Errorf("HumanBytes2(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestHumanNumber(t *testing.T) {
	cases := []struct {
		in   uint64
		want string
	}{
		{500, "500"},
		{1500, "1.50K"},
		{1_500_000, "1.50M"},
	}
	for _, c := range cases {
		if got := HumanNumber(c.in); got != c.want {
			t.Errorf("HumanNumber(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}

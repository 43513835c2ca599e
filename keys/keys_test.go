package keys

import "testing"

func TestKeyShapes(t *testing.T) {
	cases := []struct {
		got, want string
	}{
		{Reflist("foo"), "refhub_foo.reflist"},
		{TimesModified("foo"), "refhub_foo.times_modified"},
		{Resource("foo"), "foo"},
		{Registry("pid-1"), "refhub_pid-1"},
		{HeartbeatMap(), "refhub_heartbeat"},
		{DownstreamWrite("456"), "456.write"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("got %q, want %q", c.got, c.want)
		}
	}
}

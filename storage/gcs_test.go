package storage

import "testing"

func TestPublicURL(t *testing.T) {
	cases := []struct {
		bucket, object, want string
	}{
		{"herald-clips", "clips/g1:u1/AwesomeClip.gif", "https://storage.googleapis.com/herald-clips/clips/g1:u1/AwesomeClip.gif"},
		{"b", "a b/c.gif", "https://storage.googleapis.com/b/a%20b/c.gif"},
	}
	for _, tc := range cases {
		if got := PublicURL(tc.bucket, tc.object); got != tc.want {
			t.Errorf("PublicURL(%q, %q) = %q, want %q", tc.bucket, tc.object, got, tc.want)
		}
	}
}

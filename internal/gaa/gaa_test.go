package gaa

import (
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func freshQuery(at string, expires time.Time) url.Values {
	return url.Values{
		ParamAccessType: {at},
		ParamNonce:      {"n1"},
		ParamSignature:  {"sig"},
		ParamTimestamp:  {strconv.FormatInt(expires.Unix(), 16)},
	}
}

func TestHasFreshParams(t *testing.T) {
	now := time.Unix(1700000000, 0)
	later := now.Add(time.Hour)

	tests := []struct {
		name     string
		query    url.Values
		allowAll bool
		want     bool
	}{
		{"fresh", freshQuery("g", later), false, true},
		{"expiry equals now", freshQuery("g", now), false, true},
		{"stale", freshQuery("g", now.Add(-time.Second)), false, false},
		{"no access rejected", freshQuery("na", later), false, false},
		{"no access allowed", freshQuery("na", later), true, true},
		{"missing nonce", url.Values{ParamAccessType: {"g"}, ParamSignature: {"s"}, ParamTimestamp: {"ff"}}, false, false},
		{"bad hex", url.Values{ParamAccessType: {"g"}, ParamNonce: {"n"}, ParamSignature: {"s"}, ParamTimestamp: {"zz"}}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasFreshParams(tt.query, tt.allowAll, now); got != tt.want {
				t.Fatalf("HasFreshParams() = %v, want %v", got, tt.want)
			}
		})
	}

	assert.True(t, HasFreshQuery("?"+freshQuery("g", later).Encode(), false, now))
}

func TestWasReferredByGoogle(t *testing.T) {
	tests := map[string]bool{
		"https://www.google.com/search":  true,
		"https://news.google.co.uk/":     true,
		"https://google.cat/":            true,
		"https://google.de/":             true,
		"http://www.google.com/":         false,
		"https://google.com.evil.test/":  false,
		"https://notgoogle.com/":         false,
		"https://www.google.com.au/path": true,
	}
	for raw, want := range tests {
		u, _ := url.Parse(raw)
		if got := WasReferredByGoogle(u); got != want {
			t.Fatalf("WasReferredByGoogle(%q) = %v, want %v", raw, got, want)
		}
	}
	assert.False(t, WasReferredByGoogle(nil))
}

func TestIsGaa(t *testing.T) {
	now := time.Unix(1700000000, 0)
	q := freshQuery("na", now.Add(time.Minute))

	assert.True(t, IsGaa(q, "https://www.google.com/", nil, now))
	assert.True(t, IsGaa(q, "https://social.example/post", []string{"social.example"}, now))
	assert.True(t, IsGaa(q, "https://m.social.example/", []string{"*.social.example"}, now))
	assert.False(t, IsGaa(q, "https://other.example/", []string{"social.example"}, now))
	assert.False(t, IsGaa(q, "", nil, now))
	assert.False(t, IsGaa(url.Values{}, "https://www.google.com/", nil, now))
}

func TestToSeconds(t *testing.T) {
	tests := []struct {
		in, want int64
	}{
		{1600000000, 1600000000},
		{1600000000123, 1600000000},
		{1600000000123456, 1600000000},
		{0, 0},
	}
	for _, tt := range tests {
		if got := ToSeconds(tt.in); got != tt.want {
			t.Fatalf("ToSeconds(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

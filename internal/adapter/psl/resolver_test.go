package psl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveDomain(t *testing.T) {
	cases := []struct {
		name   string
		url    string
		domain string
		ok     bool
	}{
		{"子域名归并到可注册域", "https://search.example.com/?q=1", "example.com", true},
		{"裸可注册域", "https://bing.com/search?q=1", "bing.com", true},
		{"多级子域名", "https://a.b.results.example.com/x", "example.com", true},
		{"带端口", "https://search.example.com:8443/", "example.com", true},
		{"无主机名", "not-a-url", "", false},
		{"仅公共后缀", "https://com/", "", false},
		{"单标签主机", "https://localhost/", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			domain, ok := Resolver{}.ResolveDomain(tc.url)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.domain, domain)
		})
	}
}

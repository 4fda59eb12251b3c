package psl

import (
	"net/url"

	"golang.org/x/net/publicsuffix"
)

// Resolver 基于公共后缀表把 URL 解析为可注册域（eTLD+1）
type Resolver struct{}

// ResolveDomain 返回 URL 主机名的可注册域，解析失败返回 false
func (Resolver) ResolveDomain(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	hostname := u.Hostname()
	if hostname == "" {
		return "", false
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(hostname)
	if err != nil {
		return "", false
	}
	return domain, true
}

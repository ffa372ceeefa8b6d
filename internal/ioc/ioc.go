// Package ioc extracts indicators of compromise from article text using
// pattern matching only. No network or storage access; deterministic for a
// given input.
package ioc

import (
	"regexp"

	"cti-watch/monitor/internal/models"
)

var (
	md5Pattern    = regexp.MustCompile(`\b[a-fA-F0-9]{32}\b`)
	sha1Pattern   = regexp.MustCompile(`\b[a-fA-F0-9]{40}\b`)
	sha256Pattern = regexp.MustCompile(`\b[a-fA-F0-9]{64}\b`)
	ipPattern     = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	domainPattern = regexp.MustCompile(`\b[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`)
)

// Extract returns all hash-like, address-like and domain-like tokens found
// in text, grouped by category. Categories with no matches come back as
// empty slices, never nil.
func Extract(text string) models.IOCSet {
	return models.IOCSet{
		MD5:     findAll(md5Pattern, text),
		SHA1:    findAll(sha1Pattern, text),
		SHA256:  findAll(sha256Pattern, text),
		IPs:     findAll(ipPattern, text),
		Domains: findAll(domainPattern, text),
	}
}

func findAll(re *regexp.Regexp, text string) []string {
	matches := re.FindAllString(text, -1)
	if matches == nil {
		return []string{}
	}
	return matches
}

package ioc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtract_AllCategories(t *testing.T) {
	text := "The dropper (md5 d41d8cd98f00b204e9800998ecf8427e) contacted 203.0.113.42 " +
		"and pulled a payload with sha1 da39a3ee5e6b4b0d3255bfef95601890afd80709 from evil-cdn.example.com. " +
		"Full sample sha256: e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855."

	set := Extract(text)

	assert.Equal(t, []string{"d41d8cd98f00b204e9800998ecf8427e"}, set.MD5)
	assert.Equal(t, []string{"da39a3ee5e6b4b0d3255bfef95601890afd80709"}, set.SHA1)
	assert.Equal(t, []string{"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"}, set.SHA256)
	assert.Equal(t, []string{"203.0.113.42"}, set.IPs)
	assert.Contains(t, set.Domains, "evil-cdn.example.com")
	assert.False(t, set.IsEmpty())
}

func TestExtract_HashBoundaries(t *testing.T) {
	// A longer hash must not also surface as its shorter prefixes.
	text := "sha256 e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855 only"

	set := Extract(text)

	assert.Empty(t, set.MD5)
	assert.Empty(t, set.SHA1)
	assert.Len(t, set.SHA256, 1)
}

func TestExtract_NoIndicators(t *testing.T) {
	set := Extract("nothing interesting in here")

	assert.True(t, set.IsEmpty())

	// Categories come back as empty slices, never nil.
	assert.NotNil(t, set.MD5)
	assert.NotNil(t, set.SHA1)
	assert.NotNil(t, set.SHA256)
	assert.NotNil(t, set.IPs)
	assert.NotNil(t, set.Domains)
}

func TestExtract_Deterministic(t *testing.T) {
	text := "beacon to 198.51.100.7 and c2.bad-host.net, repeated 198.51.100.7"

	first := Extract(text)
	second := Extract(text)

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"198.51.100.7", "198.51.100.7"}, first.IPs)
}

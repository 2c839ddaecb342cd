// Package mirror implements round-robin mirror selection with a soft,
// eventually-self-healing demotion of failing mirrors.
package mirror

import (
	"errors"
	"strings"
	"sync/atomic"
)

// DefaultURLs are the compiled-in mirror bases, used when
// CLR_DEBUGINFO_URLS is unset or empty.
var DefaultURLs = []string{
	"https://cdn.download.clearlinux.org/debuginfo/",
	"https://cdn-mirror.download.clearlinux.org/debuginfo/",
}

// ErrNoURLs is returned by NewRotator when given an empty URL list.
var ErrNoURLs = errors.New("mirror: no base URLs configured")

// Rotator selects a base URL round-robin, biased away from mirrors that
// have recently answered with an unexpected status. The rotation counter
// is atomic, so concurrent fetch workers can bump it without a data race.
type Rotator struct {
	urls    []string
	counter atomic.Uint64
}

// NewRotator builds a Rotator over urls. The counter starts at 0, selecting
// urls[0] first.
func NewRotator(urls []string) (*Rotator, error) {
	if len(urls) == 0 {
		return nil, ErrNoURLs
	}
	cp := make([]string, len(urls))
	copy(cp, urls)
	return &Rotator{urls: cp}, nil
}

// ParseURLsEnv splits a whitespace-separated CLR_DEBUGINFO_URLS value into
// its component base URLs, mirroring configure_urls() in the reference.
func ParseURLsEnv(val string) []string {
	return strings.Fields(val)
}

// Base returns the currently preferred mirror base URL.
func (r *Rotator) Base() string {
	idx := r.counter.Load() % uint64(len(r.urls))
	return r.urls[idx]
}

// N reports the number of configured mirrors.
func (r *Rotator) N() int {
	return len(r.urls)
}

// Demote advances the rotation, biasing future fetches away from the
// current mirror. Call this on any fetch status not in {200, 304, 404, 300}.
func (r *Rotator) Demote() {
	r.counter.Add(1)
}

// Count reports the raw, ever-increasing counter value, for tests.
func (r *Rotator) Count() uint64 {
	return r.counter.Load()
}

// ArtifactURL composes the archive URL for a fetch request, per the layout
// contract "<base>/<prefix>/<absolute-path>.tar". path always starts with
// "/", so this deliberately produces a "//" after the prefix, matching the
// origin's own layout.
func (r *Rotator) ArtifactURL(prefix, path string) string {
	return r.Base() + prefix + "/" + path + ".tar"
}

// ShouldDemote reports whether an HTTP-like status code should trigger
// mirror demotion.
func ShouldDemote(status int) bool {
	switch status {
	case 200, 300, 304, 404:
		return false
	default:
		return true
	}
}

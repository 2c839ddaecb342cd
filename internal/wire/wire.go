// Package wire implements the request line exchanged between the shadow
// filesystem and the fetch daemon over the local abstract socket.
package wire

import (
	"strconv"
	"strings"
)

// MaxRequestLen bounds the bytes read off the wire for one request,
// mirroring the reference's PATH_MAX+8 buffer.
const MaxRequestLen = 4096 + 8

// SocketTag is the well-known abstract socket name. The leading NUL that
// marks it as an abstract address is added by the caller when building the
// net.UnixAddr, not stored here.
const SocketTag = "clr-debug-info"

// Prefixes enumerates the valid prefix tags.
var Prefixes = map[string]bool{
	"lib": true,
	"src": true,
}

// Request is a parsed, unvalidated fetch request.
type Request struct {
	Timestamp int64
	Prefix    string
	Path      string
}

// Encode renders r as the NUL-terminated request line sent over the wire.
func Encode(r Request) []byte {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(r.Timestamp, 10))
	b.WriteByte(':')
	b.WriteString(r.Prefix)
	b.WriteByte(':')
	b.WriteString(r.Path)
	b.WriteByte(0)
	return []byte(b.String())
}

// Decode parses a raw request buffer (NUL-terminated or not) into a
// Request. It replicates the reference's "first two colons only" parse: the
// first colon ends the timestamp field, the second ends the prefix field,
// and everything after — including any further colons — belongs to path.
func Decode(buf []byte) (Request, bool) {
	if i := indexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	s := string(buf)

	first := strings.IndexByte(s, ':')
	if first < 0 {
		return Request{}, false
	}
	rest := s[first+1:]
	second := strings.IndexByte(rest, ':')
	if second < 0 {
		return Request{}, false
	}

	tsField := s[:first]
	prefix := rest[:second]
	path := rest[second+1:]

	ts, err := strconv.ParseUint(tsField, 10, 64)
	if err != nil {
		return Request{}, false
	}

	return Request{Timestamp: int64(ts), Prefix: prefix, Path: path}, true
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// Validate applies the acceptance rules from the protocol contract: path is
// never exactly "/", path and prefix never contain "..", path never
// contains "'" or ";", and prefix must be a known tag.
func Validate(r Request) bool {
	if r.Path == "/" {
		return false
	}
	if strings.Contains(r.Path, "..") || strings.Contains(r.Prefix, "..") {
		return false
	}
	if strings.ContainsAny(r.Path, "';") {
		return false
	}
	if !Prefixes[r.Prefix] {
		return false
	}
	return true
}

// OKReply is the three-byte acknowledgement written on every completed
// worker run, successful or not from the protocol's perspective.
var OKReply = []byte("ok\x00")

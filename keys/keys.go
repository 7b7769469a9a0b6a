// Package keys derives cache keys for the engine's consumers. Derivation
// is pure string/hash work: the cache itself never learns any consumer's
// domain semantics, it only ever sees the resulting opaque keys.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// TTL policy defaults per consumer. Transcription results are cheap to
// recompute and drift with model updates, so they stay short; synthesis
// is expensive and immutable for a given input, so it lives long.
const (
	TranscriptionTTL = 30 * time.Second
	SynthesisTTL     = 2 * time.Hour
	QueryTTL         = 5 * time.Minute
	QueryCountTTL    = 15 * time.Minute
	ResponseTTL      = time.Minute
)

// VoiceConfig identifies a synthesis voice. All fields participate in the
// key: two requests differing in any parameter are distinct cache entries.
type VoiceConfig struct {
	Voice    string
	Language string
	Speed    float64
	Pitch    float64
}

func hash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0}) // field separator, keeps "ab"+"c" distinct from "a"+"bc"
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Transcription keys a speech-to-text result by the content hash of the
// audio itself.
func Transcription(audio []byte) string {
	sum := sha256.Sum256(audio)
	return "transcription:" + hex.EncodeToString(sum[:])
}

// Synthesis keys a text-to-speech result by the text and the full voice
// configuration.
func Synthesis(text string, voice VoiceConfig) string {
	return "synthesis:" + hash(
		text,
		voice.Voice,
		voice.Language,
		fmt.Sprintf("%g", voice.Speed),
		fmt.Sprintf("%g", voice.Pitch),
	)
}

// Query keys a database result by the normalized query text and its bound
// parameters, rendered positionally.
func Query(normalizedSQL string, params []any) string {
	parts := make([]string, 0, len(params)+1)
	parts = append(parts, normalizedSQL)
	for _, p := range params {
		parts = append(parts, fmt.Sprintf("%v", p))
	}
	return "query:" + hash(parts...)
}

// QueryTag returns the invalidation tag for queries touching a table, so
// a write to the table can invalidate every cached result shape over it.
func QueryTag(table string) string {
	return "table:" + strings.ToLower(table)
}

// Response keys an HTTP response by method, path, query string, the
// selected request headers, and the caller identity. keyHeaders is the
// allowlist of headers that affect the response (e.g. Accept-Language);
// unlisted headers never fragment the cache.
func Response(method, path, rawQuery string, headers http.Header, keyHeaders []string, identity string) string {
	parts := []string{strings.ToUpper(method), path, rawQuery, identity}

	names := make([]string, 0, len(keyHeaders))
	for _, h := range keyHeaders {
		names = append(names, http.CanonicalHeaderKey(h))
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, name+":"+strings.Join(headers.Values(name), ","))
	}

	return "response:" + hash(parts...)
}

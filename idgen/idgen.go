// Package idgen produces the identifiers carried by tracking events and
// stored by the collector.
//
// Client-side ids (session, data-spm-id, JSONP callback names) are short
// base-36 strings anchored on a millisecond timestamp. Collector rows use
// UUIDv7 so they sort by arrival.
package idgen

import (
	"crypto/rand"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// NanoID returns a Generator that produces base-36 IDs of the given length.
func NanoID(length int) Generator {
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i := range buf {
			buf[i] = base36[int(buf[i])%len(base36)]
		}
		return string(buf)
	}
}

var (
	sessionSuffix  = NanoID(8)
	spmSuffix      = NanoID(6)
	callbackSuffix = NanoID(6)
)

// Session returns a page session id: session_<ms>_<8 base36 chars>.
func Session(ms int64) string {
	return "session_" + strconv.FormatInt(ms, 10) + "_" + sessionSuffix()
}

// SpmID returns the per-element id cached in data-spm-id:
// spm_<spm>_<ms>_<6 base36 chars>.
func SpmID(spm string, ms int64) string {
	return "spm_" + spm + "_" + strconv.FormatInt(ms, 10) + "_" + spmSuffix()
}

// Callback returns a JSONP callback name unique per call.
func Callback(ms int64) string {
	return "tracking_callback_" + strconv.FormatInt(ms, 10) + "_" + callbackSuffix()
}

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Default is the collector row id generator.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Parse validates a UUID string and returns it or an error.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("idgen: invalid UUID: %w", err)
	}
	return u.String(), nil
}

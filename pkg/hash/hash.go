// Package hash provides the one-way hashes used to keep client identifiers
// and addresses out of logs and the audit trail.
package hash

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// logPrefixLen is long enough to correlate log lines, too short to reverse.
const logPrefixLen = 12

// SHA256Hex returns the hex-encoded SHA256 hash of the input string.
func SHA256Hex(input string) string {
	h := sha256.Sum256([]byte(input))
	return hex.EncodeToString(h[:])
}

// HashIP keys the address with a server-side salt so stored hashes cannot be
// brute-forced over the IPv4 space without the salt.
func HashIP(ip, salt string) string {
	if ip == "" {
		return ""
	}
	m := hmac.New(sha256.New, []byte(salt))
	m.Write([]byte(ip))
	return hex.EncodeToString(m.Sum(nil))
}

// ForLog returns a short irreversible tag for a fingerprint or IP.
func ForLog(value string) string {
	if value == "" {
		return ""
	}
	return SHA256Hex(value)[:logPrefixLen]
}

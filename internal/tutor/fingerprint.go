package tutor

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint identifies "the same question" for caching. normalizedCode must
// already be normalized.
func Fingerprint(r Request, normalizedCode string) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(string(r.Trigger))
	write(r.UserID)
	write(r.ProblemKey())
	write(normalizedCode)
	if r.Trigger == Automatic {
		write(r.JudgeSignature())
	} else {
		write(strings.TrimSpace(r.Question))
	}
	return hex.EncodeToString(h.Sum(nil))
}

package lease

import (
	"crypto/sha1" //nolint:gosec // content-disambiguation hash, not a security boundary
	"encoding/hex"
)

// maxInstanceLen bounds the sanitized/disambiguated instance id before the
// service-name budget is computed from it. The spec pins the service-name
// budget formula to len(sanitized_instance) but leaves the instance's own
// cap as an implementation choice; 20 bytes leaves at least 8 bytes of
// budget for the service name in the worst case (28 - 20), which is enough
// for any reasonably abbreviated service token. See DESIGN.md.
const maxInstanceLen = 20

// fixedLabelOverhead is the byte cost of every label character that is not
// the service name or the instance id: "s=" + ";i=" + ";e=<13-digit ms>" +
// ";g=<11-char sig>" = 2+3+3+13+3+11 = 35, split here as the spec states it
// (24 = everything but the instance length and the signature; +11 for the
// signature itself).
const fixedLabelOverhead = 24 + sigLen

// sanitizeDisambiguate sanitizes raw to the label alphabet and, if the
// result changed or exceeds maxLen, replaces it with a truncated-prefix +
// content-hash form so that distinct raw inputs which collide after
// sanitization/truncation remain distinguishable.
func sanitizeDisambiguate(raw string, maxLen int) string {
	sanitized := sanitize(raw)
	if sanitized == raw && len(sanitized) <= maxLen {
		return sanitized
	}
	return hashDisambiguate(raw, sanitized, maxLen)
}

// Normalize sanitizes/disambiguates a raw service name, computing its
// maximum allowed length from the already-sanitized instance id per
// spec.md §4.2: overhead = 24 + len(sanitizedInst) + 11; max = 63 - overhead.
func Normalize(rawSvc, sanitizedInst string) string {
	overhead := fixedLabelOverhead + len(sanitizedInst)
	maxLen := MaxLabelBytes - overhead
	if maxLen < 0 {
		maxLen = 0
	}
	return sanitizeDisambiguate(rawSvc, maxLen)
}

func hashDisambiguate(raw, sanitized string, maxLen int) string {
	if maxLen <= 0 {
		// Nothing fits; Mint's final 63-byte assertion is the real
		// backstop for this case, so just surface an empty token instead
		// of a partially-truncated, non-deterministic one.
		return ""
	}

	sum := sha1.Sum([]byte(raw)) //nolint:gosec
	hash8 := hex.EncodeToString(sum[:])[:8]
	suffix := "-" + hash8

	if len(suffix) > maxLen {
		// Not even the hash suffix fits: keep its tail, which still
		// preserves most of its disambiguating entropy.
		return suffix[len(suffix)-maxLen:]
	}

	prefixMax := maxLen - len(suffix)
	prefix := sanitized
	if len(prefix) > prefixMax {
		prefix = prefix[:prefixMax]
	}

	return prefix + suffix
}

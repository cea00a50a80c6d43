package util

import (
	"math/rand/v2"
	"strings"
)

// Prefixes for generated row ids.
const (
	JobIDPrefix    = "job_"
	OutboxIDPrefix = "outbox_"
	idHexLength    = 32
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateJobID generates a durable job ID with the "job_" prefix.
func GenerateJobID() string {
	return GenerateRandomID(JobIDPrefix, idHexLength)
}

// GenerateOutboxID generates an outbox message ID with the "outbox_" prefix.
func GenerateOutboxID() string {
	return GenerateRandomID(OutboxIDPrefix, idHexLength)
}

package serenity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// randomHex returns a cryptographically random hex string of length*2 characters.
func randomHex(length int) string {
	if length <= 0 {
		return ""
	}

	buf := make([]byte, length)

	_, err := rand.Read(buf)
	if err != nil {
		return ""
	}

	return hex.EncodeToString(buf)
}

func replaceIfEmpty(v string, s string) string {
	if v == "" {
		return s
	}

	return v
}

// tokenHash returns a stable identifier for a bot token that is safe to use
// in bucket names and producer client names.
func tokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))

	return hex.EncodeToString(sum[:])
}

func containsString(haystack []string, needle string) bool {
	for _, entry := range haystack {
		if entry == needle {
			return true
		}
	}

	return false
}

// returnRangeInt32 converts a string like "0-4,6-7" to [0 1 2 3 4 6 7],
// dropping any values outside [0, max).
func returnRangeInt32(rangeString string, max int32) []int32 {
	result := make([]int32, 0)

	for _, split := range strings.Split(rangeString, ",") {
		ranges := strings.Split(split, "-")

		if len(ranges) == 1 {
			if i, err := strconv.Atoi(ranges[0]); err == nil {
				if int32(i) < max {
					result = append(result, int32(i))
				}
			}

			continue
		}

		low, lowErr := strconv.Atoi(ranges[0])
		hi, hiErr := strconv.Atoi(ranges[len(ranges)-1])

		if lowErr != nil || hiErr != nil {
			continue
		}

		for i := int32(low); i <= int32(hi); i++ {
			if i < max {
				result = append(result, i)
			}
		}
	}

	return result
}

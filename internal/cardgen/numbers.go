package cardgen

import (
	"fmt"
	"io"
	"strings"
)

// LuhnCheckDigit computes the Luhn check digit for a card number body
// (the number without its final digit).
func LuhnCheckDigit(body string) string {
	sum, dbl := 0, true
	for i := len(body) - 1; i >= 0; i-- {
		d := int(body[i] - '0')
		if dbl {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		dbl = !dbl
	}
	cd := (10 - (sum % 10)) % 10
	return string('0' + byte(cd))
}

// ValidatePAN checks length, digits and the Luhn check digit.
// Accepted lengths are 15-19 digits including the check digit.
func ValidatePAN(pan string) error {
	if pan == "" {
		return fmt.Errorf("pan is required")
	}
	if !IsDigits(pan) {
		return fmt.Errorf("pan must contain digits only")
	}
	if l := len(pan); l < 15 || l > 19 {
		return fmt.Errorf("pan length must be 15..19 digits (got %d)", l)
	}

	body := pan[:len(pan)-1]
	if pan[len(pan)-1:] != LuhnCheckDigit(body) {
		return fmt.Errorf("invalid luhn check digit")
	}
	return nil
}

func IsDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// MaskPAN keeps the first 6 and last 4 digits for logging.
func MaskPAN(pan string) string {
	n := len(pan)
	if n == 0 {
		return ""
	}
	if n <= 10 {
		return strings.Repeat("*", n)
	}
	return pan[:6] + strings.Repeat("*", n-10) + pan[n-4:]
}

// RandomDigits produces count random decimal digits from src using rejection
// sampling: bytes >= 250 are discarded so the 0-9 distribution stays unbiased.
// The source is injected so identifier generation is deterministic under test.
func RandomDigits(src io.Reader, count int) (string, error) {
	if count <= 0 {
		return "", nil
	}
	const threshold = 250 // 256 - (256 % 10)
	var sb strings.Builder
	sb.Grow(count)
	buf := make([]byte, 64)
	for sb.Len() < count {
		n, err := src.Read(buf)
		if err != nil {
			return "", fmt.Errorf("rand: %w", err)
		}
		for i := 0; i < n && sb.Len() < count; i++ {
			if buf[i] < threshold {
				sb.WriteByte('0' + (buf[i] % 10))
			}
		}
	}
	return sb.String(), nil
}

// GenerateNumber builds a numeric identifier of the given total length
// starting with prefix, the remainder filled with random digits.
func GenerateNumber(src io.Reader, totalLen int, prefix string) (string, error) {
	if prefix != "" && !IsDigits(prefix) {
		return "", fmt.Errorf("prefix must be numeric")
	}
	fill := totalLen - len(prefix)
	if fill <= 0 {
		return "", fmt.Errorf("prefix %q leaves no room in %d digits", prefix, totalLen)
	}
	digits, err := RandomDigits(src, fill)
	if err != nil {
		return "", err
	}
	return prefix + digits, nil
}

// GenerateUnique repeats GenerateNumber until the exists callback reports an
// unused identifier, up to maxRetries regenerations.
func GenerateUnique(src io.Reader, totalLen int, prefix string, maxRetries int, exists func(string) bool) (string, error) {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	for i := 0; i <= maxRetries; i++ {
		number, err := GenerateNumber(src, totalLen, prefix)
		if err != nil {
			return "", err
		}
		if exists == nil || !exists(number) {
			return number, nil
		}
	}
	return "", fmt.Errorf("failed to generate unique number after %d retries", maxRetries)
}

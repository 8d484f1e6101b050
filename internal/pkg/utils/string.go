package utils

import (
	"crypto/rand"
	"encoding/binary"
)

const randStrAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandStr generates a cryptographically secure random alphanumeric string of length n.
func RandStr(n int) string {
	if n <= 0 {
		return ""
	}

	b := make([]byte, n)
	for i := range b {
		b[i] = randStrAlphabet[cryptoRandIntn(len(randStrAlphabet))]
	}
	return string(b)
}

func cryptoRandIntn(max int) int {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return int(binary.LittleEndian.Uint64(buf[:]) % uint64(max))
}

// Truncate cuts content to maxLen runes and marks the cut with "...".
func Truncate(content string, maxLen int) string {
	r := []rune(content)
	if len(r) <= maxLen {
		return content
	}
	return string(r[:maxLen]) + "..."
}

func Truncate80(content string) string {
	return Truncate(content, 80)
}

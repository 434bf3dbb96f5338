package domain

import "fmt"

// MsatsToSats truncates msats down to whole sats.
func MsatsToSats(msats int64) int64 {
	return msats / 1000
}

// SatsToMsats converts whole sats to msats.
func SatsToMsats(sats int64) int64 {
	return sats * 1000
}

// FormatSats renders a sat amount for wallet logs.
func FormatSats(sats int64) string {
	if sats == 1 {
		return "1 sat"
	}
	return fmt.Sprintf("%d sats", sats)
}

// FormatMsats renders an msat amount for wallet logs.
func FormatMsats(msats int64) string {
	if msats == 1 {
		return "1 msat"
	}
	return fmt.Sprintf("%d msats", msats)
}

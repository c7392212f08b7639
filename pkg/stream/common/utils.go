package common

import (
	"strconv"
	"strings"
	"time"
)

// NormalizeCodecName normalizes codec identifiers from CODECS attributes
// and rendition declarations to standard family names
func NormalizeCodecName(codec string) string {
	codec = strings.ToLower(strings.TrimSpace(codec))

	switch {
	case strings.HasPrefix(codec, "mp4a.40.2"), strings.HasPrefix(codec, "mp4a.40.5"):
		return "aac"
	case strings.Contains(codec, "mp4a"):
		return "aac"
	case strings.Contains(codec, "ec-3") || strings.Contains(codec, "ec3") || strings.Contains(codec, "eac3"):
		return "ec3"
	case strings.Contains(codec, "ac-3") || strings.Contains(codec, "ac3"):
		return "ac3"
	case strings.Contains(codec, "aac"):
		return "aac"
	case strings.Contains(codec, "avc1") || strings.Contains(codec, "h264"):
		return "avc"
	case strings.Contains(codec, "hvc1") || strings.Contains(codec, "hev1") || strings.Contains(codec, "h265"):
		return "hevc"
	default:
		return codec
	}
}

// ParseBitrateFromString extracts bitrate from string (e.g., "128", "96k")
func ParseBitrateFromString(s string) int {
	s = strings.TrimSuffix(strings.ToLower(s), "k")
	s = strings.TrimSpace(s)

	if bitrate, err := strconv.Atoi(s); err == nil {
		return bitrate
	}
	return 0
}

// IsValidURL performs basic URL validation
func IsValidURL(url string) bool {
	url = strings.TrimSpace(url)
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

// FormatDuration formats duration for display
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return d.String()
	}

	seconds := int(d.Seconds())
	if seconds < 60 {
		return strconv.Itoa(seconds) + "s"
	}

	minutes := seconds / 60
	remainingSeconds := seconds % 60

	if remainingSeconds == 0 {
		return strconv.Itoa(minutes) + "m"
	}

	return strconv.Itoa(minutes) + "m" + strconv.Itoa(remainingSeconds) + "s"
}

// CleanHeaderValue cleans and normalizes header values
func CleanHeaderValue(value string) string {
	value = strings.Trim(value, "\"'")
	return strings.TrimSpace(value)
}

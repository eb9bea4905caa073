package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var sizePattern = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]+)$`)

// ParseDataSize parses sizes like "512", "10MB" or "1.5GiB" into bytes.
// Decimal units (KB, MB, ...) are 1000-based; IEC units and single letters
// (KiB, K, M, ...) are 1024-based.
func ParseDataSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(sizeStr)
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	if val, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
		if val < 0 {
			return 0, fmt.Errorf("negative size: %s", sizeStr)
		}
		return val, nil
	}

	matches := sizePattern.FindStringSubmatch(sizeStr)
	if len(matches) != 3 {
		return 0, fmt.Errorf("invalid size format: %s (expected format like '10MB' or '1GiB')", sizeStr)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", matches[1])
	}

	multiplier := unitMultiplier(strings.ToUpper(matches[2]))
	if multiplier == 0 {
		return 0, fmt.Errorf("unknown unit: %s", matches[2])
	}

	return int64(value * float64(multiplier)), nil
}

// FormatDataSize renders bytes with a 1024-based unit, e.g. "1.5 MB".
func FormatDataSize(bytes int64) string {
	if bytes < 0 {
		return "invalid"
	}

	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	units := []string{"KB", "MB", "GB", "TB", "PB"}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit && exp < len(units)-1; n /= unit {
		div *= unit
		exp++
	}

	value := float64(bytes) / float64(div)
	switch {
	case value == float64(int64(value)):
		return fmt.Sprintf("%.0f %s", value, units[exp])
	case value*10 == float64(int64(value*10)):
		return fmt.Sprintf("%.1f %s", value, units[exp])
	default:
		return fmt.Sprintf("%.2f %s", value, units[exp])
	}
}

func unitMultiplier(unit string) int64 {
	switch unit {
	case "B", "BYTE", "BYTES":
		return 1
	case "KB":
		return 1000
	case "MB":
		return 1000 * 1000
	case "GB":
		return 1000 * 1000 * 1000
	case "TB":
		return 1000 * 1000 * 1000 * 1000
	case "KIB", "K":
		return 1 << 10
	case "MIB", "M":
		return 1 << 20
	case "GIB", "G":
		return 1 << 30
	case "TIB", "T":
		return 1 << 40
	default:
		return 0
	}
}

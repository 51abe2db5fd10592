package session

import (
	"fmt"
	"strconv"
)

// FormatNumber abbreviates large counts: 1234 becomes 1.2K, 3400000 becomes 3.4M.
func FormatNumber(n int64) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	default:
		return strconv.FormatInt(n, 10)
	}
}

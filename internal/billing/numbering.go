package billing

import (
	"fmt"
	"time"
)

const numberPrefix = "FAC-"

// YearMonth returns the "YYYYMM" key of the sequence t draws from.
func YearMonth(t time.Time) string {
	return t.UTC().Format("200601")
}

// FormatNumber renders FAC-<YYYYMM>-<NNNN>. Sequences beyond 9999 widen.
func FormatNumber(yearMonth string, seq int) string {
	return fmt.Sprintf("%s%s-%04d", numberPrefix, yearMonth, seq)
}

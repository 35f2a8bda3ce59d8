package classify

import (
	"regexp"
	"strconv"
	"time"
)

// dateRE matches both Chilean (05/03/2024, 5-3-24) and ISO (2024-03-05)
// layouts. Which one we got is decided by the first group: a value over 31
// can only be a year.
var dateRE = regexp.MustCompile(`(\d{1,4})[/-](\d{1,2})[/-](\d{1,4})`)

// ParseDates scans text for date expressions and returns every candidate
// that resolves to a valid calendar date. Chilean documents write
// day-first; bank exports tend to use ISO.
func ParseDates(text string) []time.Time {
	var out []time.Time
	for _, m := range dateRE.FindAllStringSubmatch(text, -1) {
		first, _ := strconv.Atoi(m[1])
		second, _ := strconv.Atoi(m[2])
		third, _ := strconv.Atoi(m[3])

		var day, month, year int
		if first > 31 {
			year, month, day = first, second, third
		} else {
			day, month, year = first, second, third
		}
		year = normalizeYear(year)

		if month < 1 || month > 12 || day < 1 || day > 31 {
			continue
		}
		d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
		// time.Date normalizes overflow (31/02 becomes 02/03 or 03/03),
		// so a changed day means the input was not a real date.
		if d.Day() != day || d.Month() != time.Month(month) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// normalizeYear maps 2-digit years onto the 2000s. Documents old enough
// to mean 19xx do not flow through this pipeline.
func normalizeYear(y int) int {
	if y < 100 {
		return y + 2000
	}
	return y
}

// SelectDate picks the transaction date from the candidates: future dates
// are discarded, the most recent survivor wins, and when nothing usable
// remains the current time stands in.
func SelectDate(candidates []time.Time, now time.Time) time.Time {
	var best time.Time
	for _, c := range candidates {
		if c.After(now) {
			continue
		}
		if best.IsZero() || c.After(best) {
			best = c
		}
	}
	if best.IsZero() {
		return now
	}
	return best
}

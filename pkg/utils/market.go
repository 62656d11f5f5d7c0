package utils

import (
	"fmt"
	"strings"
	"time"

	"nifty-terminal/internal/models"
)

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation *time.Location

func init() {
	var err error
	IndiaLocation, err = time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback to UTC+5:30
		IndiaLocation = time.FixedZone("IST", 5*60*60+30*60)
	}
}

// RoundToStrike rounds a spot price to the nearest strike step.
func RoundToStrike(price float64, step int) int {
	if step <= 0 {
		step = 50
	}
	half := float64(step) / 2
	n := int((price + half) / float64(step))
	if price < 0 {
		n = int((price - half) / float64(step))
	}
	return n * step
}

// BuildOptionSymbol builds a Fyers NIFTY option symbol.
// Example: NSE:NIFTY24JUN0623000CE (expiry formatted as YYMMMDD).
func BuildOptionSymbol(strike int, optType models.OptionType, expiry time.Time) string {
	return fmt.Sprintf("NSE:NIFTY%s%d%s", FormatExpiry(expiry), strike, optType)
}

// FormatExpiry renders an expiry date as the uppercase YYMMMDD token used in
// option symbols.
func FormatExpiry(expiry time.Time) string {
	return strings.ToUpper(expiry.Format("06Jan02"))
}

// ParseOptionSymbol decomposes a NIFTY option symbol built by
// BuildOptionSymbol back into strike, option type and expiry.
func ParseOptionSymbol(symbol string) (int, models.OptionType, time.Time, error) {
	const prefix = "NSE:NIFTY"
	if !strings.HasPrefix(symbol, prefix) || len(symbol) < len(prefix)+10 {
		return 0, "", time.Time{}, fmt.Errorf("malformed option symbol: %s", symbol)
	}

	rest := symbol[len(prefix):]
	optType := models.OptionType(rest[len(rest)-2:])
	if optType != models.OptionCall && optType != models.OptionPut {
		return 0, "", time.Time{}, fmt.Errorf("malformed option type in symbol: %s", symbol)
	}

	// Uppercase month back to mixed case for time.Parse ("24JUN06" -> "24Jun06").
	expiryToken := rest[:3] + strings.ToLower(rest[3:5]) + rest[5:7]
	expiryDay, err := time.ParseInLocation("06Jan02", expiryToken, IndiaLocation)
	if err != nil {
		return 0, "", time.Time{}, fmt.Errorf("malformed expiry in symbol %s: %w", symbol, err)
	}
	expiry := time.Date(expiryDay.Year(), expiryDay.Month(), expiryDay.Day(), 15, 30, 0, 0, IndiaLocation)

	var strike int
	if _, err := fmt.Sscanf(rest[7:len(rest)-2], "%d", &strike); err != nil {
		return 0, "", time.Time{}, fmt.Errorf("malformed strike in symbol %s: %w", symbol, err)
	}
	return strike, optType, expiry, nil
}

// NearestWeeklyExpiry returns the nearest weekly expiry (Thursday 15:30 IST)
// at or after now. On a Thursday after market close the following week's
// expiry is used.
func NearestWeeklyExpiry(now time.Time) time.Time {
	now = now.In(IndiaLocation)
	daysUntilThursday := (int(time.Thursday) - int(now.Weekday()) + 7) % 7
	if daysUntilThursday == 0 && (now.Hour() > 15 || (now.Hour() == 15 && now.Minute() >= 30)) {
		daysUntilThursday = 7
	}
	expiry := now.AddDate(0, 0, daysUntilThursday)
	return time.Date(expiry.Year(), expiry.Month(), expiry.Day(), 15, 30, 0, 0, IndiaLocation)
}

// YearsToExpiry returns the time to expiry in years, floored at a small
// positive value so pricing stays defined on expiry day.
func YearsToExpiry(now, expiry time.Time) float64 {
	t := expiry.Sub(now).Seconds() / (365 * 24 * 3600)
	if t < 0.001 {
		return 0.001
	}
	return t
}

// SameTradingDay reports whether two instants fall on the same exchange-local date.
func SameTradingDay(a, b time.Time) bool {
	a, b = a.In(IndiaLocation), b.In(IndiaLocation)
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

package query

// TimeWindows are the windows accepted by the request listing. "all"
// applies no window.
var TimeWindows = map[string]string{
	"hour":   "1 hour",
	"day":    "1 day",
	"7days":  "7 days",
	"2weeks": "14 days",
	"30days": "30 days",
	"all":    "",
}

// Periods are the windows accepted by the user listing.
var Periods = map[string]string{
	"24h": "24 hours",
	"1w":  "7 days",
	"1m":  "30 days",
	"all": "",
}

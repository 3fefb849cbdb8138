package risk

// defaultSectors covers the liquid names the engine commonly trades.
// Config overrides take precedence; unknown symbols classify as Unknown.
var defaultSectors = map[string]string{
	"AAPL":  "Technology",
	"MSFT":  "Technology",
	"GOOGL": "Technology",
	"GOOG":  "Technology",
	"AMZN":  "Consumer Discretionary",
	"META":  "Technology",
	"NVDA":  "Technology",
	"TSLA":  "Consumer Discretionary",
	"AMD":   "Technology",
	"NFLX":  "Communication Services",
	"JPM":   "Financials",
	"BAC":   "Financials",
	"GS":    "Financials",
	"XOM":   "Energy",
	"CVX":   "Energy",
	"JNJ":   "Healthcare",
	"PFE":   "Healthcare",
	"UNH":   "Healthcare",
	"WMT":   "Consumer Staples",
	"PG":    "Consumer Staples",
	"KO":    "Consumer Staples",
	"SPY":   "ETF-Broad",
	"QQQ":   "ETF-Broad",
	"IWM":   "ETF-Broad",
	"TQQQ":  "ETF-Leveraged",
	"SQQQ":  "ETF-Leveraged",
	"SOXL":  "ETF-Leveraged",
	"UPRO":  "ETF-Leveraged",
}

// riskySectors carry an extra position risk score bump.
var riskySectors = map[string]bool{
	"Technology":    true,
	"ETF-Leveraged": true,
}

// Classifier maps symbols to sectors, static table plus config overrides.
type Classifier struct {
	overrides map[string]string
}

func NewClassifier(overrides map[string]string) *Classifier {
	return &Classifier{overrides: overrides}
}

func (c *Classifier) Sector(symbol string) string {
	if c != nil && c.overrides != nil {
		if s, ok := c.overrides[symbol]; ok {
			return s
		}
	}
	if s, ok := defaultSectors[symbol]; ok {
		return s
	}
	return "Unknown"
}

func (c *Classifier) IsRisky(sector string) bool {
	return riskySectors[sector]
}

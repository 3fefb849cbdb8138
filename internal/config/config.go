package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Selection controls candidate filtering and ranking.
type Selection struct {
	Universe     []string `yaml:"universe"`
	TopN         int      `yaml:"top_n"`
	LookbackDays int      `yaml:"lookback_days"`
	PriceMin     float64  `yaml:"price_min"`
	PriceMax     float64  `yaml:"price_max"`
	MinVolume    float64  `yaml:"min_volume"`
	VolumeMADays int      `yaml:"volume_ma_days"`
	EMAFilters   []int    `yaml:"ema_filters"`
	EMALogic     string   `yaml:"ema_logic"` // any | all
	ATRLookback  int      `yaml:"atr_lookback"`
}

// Stops configures the initial stop, profit target and trailing ratchet.
type Stops struct {
	Mode            string  `yaml:"mode"` // fixed | atr
	FixedPct        float64 `yaml:"fixed_pct"`
	ATRMult         float64 `yaml:"atr_mult"`
	TrailingMode    string  `yaml:"trailing_mode"` // percent | atr
	TrailingPct     float64 `yaml:"trailing_pct"`
	TrailingATRMult float64 `yaml:"trailing_atr_mult"`
}

// ExpectedReturn selects how the per-trade profit target is derived.
type ExpectedReturn struct {
	Mode     string             `yaml:"mode"` // fixed | table | atr
	FixedPct float64            `yaml:"fixed_pct"`
	ATRK     float64            `yaml:"atr_k"`
	Table    map[string]float64 `yaml:"table"`
}

// Regime configures the broad-market gate. Both checks are optional; a zero
// span or ceiling disables that check.
type Regime struct {
	ProxySymbol    string  `yaml:"proxy_symbol"`
	EMASpan        int     `yaml:"ema_span"`
	VolIndexSymbol string  `yaml:"vol_index_symbol"`
	MaxVolIndex    float64 `yaml:"max_vol_index"`
	CombineLogic   string  `yaml:"combine_logic"` // any | all
	EnableHedge    bool    `yaml:"enable_hedge"`
	HedgeRatio     float64 `yaml:"hedge_ratio"`
}

// SafetyLimits is the immutable risk configuration loaded at startup.
type SafetyLimits struct {
	MaxPositionValue         float64 `yaml:"max_position_value"`
	MaxPortfolioValue        float64 `yaml:"max_portfolio_value"`
	MaxDailyLoss             float64 `yaml:"max_daily_loss"`
	MaxPositionConcentration float64 `yaml:"max_position_concentration"`
	MaxSectorConcentration   float64 `yaml:"max_sector_concentration"`
	EmergencyStopLossPct     float64 `yaml:"emergency_stop_loss_pct"`
	MaxPositions             int     `yaml:"max_positions"`
	MinCashReserve           float64 `yaml:"min_cash_reserve"`
}

// Connection holds reconnect behavior for the live broker link.
// Heartbeat, backoff and retry counts are configuration, not constants.
type Connection struct {
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	ClientID             int    `yaml:"client_id"`
	HeartbeatSeconds     int    `yaml:"heartbeat_seconds"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
	ReconnectDelaySecs   int    `yaml:"reconnect_delay_seconds"`
}

// Execution controls order handling in live mode.
type Execution struct {
	EntryTiming         string  `yaml:"entry_timing"` // immediate | delayed
	EntryDelayMinutes   int     `yaml:"entry_delay_minutes"`
	FridayCutoff        string  `yaml:"friday_cutoff"` // HH:MM, exchange time
	CapitalPerTrade     float64 `yaml:"capital_per_trade"`
	CommissionPerTrade  float64 `yaml:"commission_per_trade"`
	PollIntervalSeconds int     `yaml:"poll_interval_seconds"`
	FillTimeoutSeconds  int     `yaml:"fill_timeout_seconds"`
	SafetyCheckSeconds  int     `yaml:"safety_check_seconds"`
	EnableProtection    bool    `yaml:"enable_options_protection"`
}

// Paths collects the file-backed outputs.
type Paths struct {
	TradeJournal  string `yaml:"trade_journal"`
	EventJournal  string `yaml:"event_journal"`
	PendingOrders string `yaml:"pending_orders"`
}

type Root struct {
	Holidays       []string          `yaml:"holidays"` // YYYY-MM-DD
	Selection      Selection         `yaml:"selection"`
	Stops          Stops             `yaml:"stops"`
	ExpectedReturn ExpectedReturn    `yaml:"expected_return"`
	Regime         Regime            `yaml:"regime"`
	SafetyLimits   SafetyLimits      `yaml:"safety_limits"`
	Connection     Connection        `yaml:"connection"`
	Execution      Execution         `yaml:"execution"`
	Paths          Paths             `yaml:"paths"`
	Sectors        map[string]string `yaml:"sectors"` // symbol -> sector overrides
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	applyDefaults(&c)
	return c, nil
}

func applyDefaults(c *Root) {
	if c.Selection.TopN == 0 {
		c.Selection.TopN = 5
	}
	if c.Selection.LookbackDays == 0 {
		c.Selection.LookbackDays = 5
	}
	if c.Selection.PriceMax == 0 {
		c.Selection.PriceMax = 1e9
	}
	if c.Selection.VolumeMADays == 0 {
		c.Selection.VolumeMADays = 20
	}
	if c.Selection.EMALogic == "" {
		c.Selection.EMALogic = "any"
	}
	if c.Selection.ATRLookback == 0 {
		c.Selection.ATRLookback = 14
	}

	if c.Stops.Mode == "" {
		c.Stops.Mode = "atr"
	}
	if c.Stops.FixedPct == 0 {
		c.Stops.FixedPct = 0.01
	}
	if c.Stops.ATRMult == 0 {
		c.Stops.ATRMult = 1.5
	}
	if c.Stops.TrailingMode == "" {
		c.Stops.TrailingMode = "atr"
	}
	if c.Stops.TrailingPct == 0 {
		c.Stops.TrailingPct = 0.02
	}
	if c.Stops.TrailingATRMult == 0 {
		c.Stops.TrailingATRMult = 1.0
	}

	if c.ExpectedReturn.Mode == "" {
		c.ExpectedReturn.Mode = "fixed"
	}
	if c.ExpectedReturn.FixedPct == 0 {
		c.ExpectedReturn.FixedPct = 0.02
	}
	if c.ExpectedReturn.ATRK == 0 {
		c.ExpectedReturn.ATRK = 1.2
	}

	if c.Regime.ProxySymbol == "" {
		c.Regime.ProxySymbol = "SPY"
	}
	if c.Regime.VolIndexSymbol == "" {
		c.Regime.VolIndexSymbol = "VIX"
	}
	if c.Regime.CombineLogic == "" {
		c.Regime.CombineLogic = "all"
	}
	if c.Regime.HedgeRatio == 0 {
		c.Regime.HedgeRatio = 1.0
	}

	if c.SafetyLimits.MaxPositionValue == 0 {
		c.SafetyLimits.MaxPositionValue = 50000
	}
	if c.SafetyLimits.MaxPortfolioValue == 0 {
		c.SafetyLimits.MaxPortfolioValue = 500000
	}
	if c.SafetyLimits.MaxDailyLoss == 0 {
		c.SafetyLimits.MaxDailyLoss = 10000
	}
	if c.SafetyLimits.MaxPositionConcentration == 0 {
		c.SafetyLimits.MaxPositionConcentration = 0.15
	}
	if c.SafetyLimits.MaxSectorConcentration == 0 {
		c.SafetyLimits.MaxSectorConcentration = 0.30
	}
	if c.SafetyLimits.EmergencyStopLossPct == 0 {
		c.SafetyLimits.EmergencyStopLossPct = 0.10
	}
	if c.SafetyLimits.MaxPositions == 0 {
		c.SafetyLimits.MaxPositions = 20
	}
	if c.SafetyLimits.MinCashReserve == 0 {
		c.SafetyLimits.MinCashReserve = 10000
	}

	if c.Connection.Host == "" {
		c.Connection.Host = "127.0.0.1"
	}
	if c.Connection.Port == 0 {
		c.Connection.Port = 7497
	}
	if c.Connection.ClientID == 0 {
		c.Connection.ClientID = 7
	}
	if c.Connection.HeartbeatSeconds == 0 {
		c.Connection.HeartbeatSeconds = 30
	}
	if c.Connection.MaxReconnectAttempts == 0 {
		c.Connection.MaxReconnectAttempts = 5
	}
	if c.Connection.ReconnectDelaySecs == 0 {
		c.Connection.ReconnectDelaySecs = 10
	}

	if c.Execution.EntryTiming == "" {
		c.Execution.EntryTiming = "immediate"
	}
	if c.Execution.EntryDelayMinutes == 0 {
		c.Execution.EntryDelayMinutes = 120
	}
	if c.Execution.FridayCutoff == "" {
		c.Execution.FridayCutoff = "15:55"
	}
	if c.Execution.CapitalPerTrade == 0 {
		c.Execution.CapitalPerTrade = 10000
	}
	if c.Execution.CommissionPerTrade == 0 {
		c.Execution.CommissionPerTrade = 1.0
	}
	if c.Execution.PollIntervalSeconds == 0 {
		c.Execution.PollIntervalSeconds = 2
	}
	if c.Execution.FillTimeoutSeconds == 0 {
		c.Execution.FillTimeoutSeconds = 60
	}
	if c.Execution.SafetyCheckSeconds == 0 {
		c.Execution.SafetyCheckSeconds = 300
	}

	if c.Paths.TradeJournal == "" {
		c.Paths.TradeJournal = "logs/trade_journal.jsonl"
	}
	if c.Paths.EventJournal == "" {
		c.Paths.EventJournal = "logs/events_log.jsonl"
	}
	if c.Paths.PendingOrders == "" {
		c.Paths.PendingOrders = "data/pending_orders.jsonl"
	}
}

// Validate fails fast on configuration the cycle cannot run with.
func (c Root) Validate() error {
	if c.Selection.TopN < 1 {
		return fmt.Errorf("config invalid: selection.top_n must be >= 1")
	}
	switch c.Stops.Mode {
	case "fixed", "atr":
	default:
		return fmt.Errorf("config invalid: stops.mode %q (want fixed or atr)", c.Stops.Mode)
	}
	switch c.Stops.TrailingMode {
	case "percent", "atr":
	default:
		return fmt.Errorf("config invalid: stops.trailing_mode %q (want percent or atr)", c.Stops.TrailingMode)
	}
	switch c.ExpectedReturn.Mode {
	case "fixed", "table", "atr":
	default:
		return fmt.Errorf("config invalid: expected_return.mode %q", c.ExpectedReturn.Mode)
	}
	switch c.Regime.CombineLogic {
	case "any", "all":
	default:
		return fmt.Errorf("config invalid: regime.combine_logic %q (want any or all)", c.Regime.CombineLogic)
	}
	switch c.Execution.EntryTiming {
	case "immediate", "delayed":
	default:
		return fmt.Errorf("config invalid: execution.entry_timing %q (want immediate or delayed)", c.Execution.EntryTiming)
	}
	if _, err := time.Parse("15:04", c.Execution.FridayCutoff); err != nil {
		return fmt.Errorf("config invalid: execution.friday_cutoff %q: %w", c.Execution.FridayCutoff, err)
	}
	for _, h := range c.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			return fmt.Errorf("config invalid: holiday %q: %w", h, err)
		}
	}
	if c.Execution.CapitalPerTrade <= 0 {
		return fmt.Errorf("config invalid: execution.capital_per_trade must be positive")
	}
	return nil
}

// HolidaySet parses the configured holiday dates into a lookup set.
func (c Root) HolidaySet() map[string]bool {
	set := make(map[string]bool, len(c.Holidays))
	for _, h := range c.Holidays {
		set[h] = true
	}
	return set
}

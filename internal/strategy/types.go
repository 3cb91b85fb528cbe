package strategy

import "tradeguard/pkg/exchanges/common"

// Action is what a signal asks the engine to do.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Regime describes the market structure the alpha layer believes it is in.
type Regime string

const (
	RegimeUnknown Regime = ""
	RegimeTrend   Regime = "trend"
	RegimeRange   Regime = "range"
)

// Oscillator names an indicator that can report an oversold reading.
type Oscillator string

const (
	OscStochRSI       Oscillator = "stoch_rsi"
	OscCCI            Oscillator = "cci"
	OscBollingerLower Oscillator = "bollinger_lower"
	OscWilliamsR      Oscillator = "williams_r"
	OscRSI            Oscillator = "rsi"
)

// Signal is a trade intent emitted by an alpha source.
//
// Regime, TrendStrength and Oversold are optional structured context. When
// a source leaves them empty, consumers fall back to reading Reason.
type Signal struct {
	Action        Action       `json:"action"`
	Confidence    float64      `json:"confidence"`
	Reason        string       `json:"reason"`
	Regime        Regime       `json:"regime,omitempty"`
	TrendStrength *float64     `json:"trend_strength,omitempty"`
	Oversold      []Oscillator `json:"oversold,omitempty"`
}

// Hold is the no-op signal.
func Hold(reason string) Signal {
	return Signal{Action: ActionHold, Reason: reason}
}

// Source produces a signal for a symbol from its recent candles.
type Source interface {
	Name() string
	Evaluate(symbol string, candles []common.Candle) Signal
}

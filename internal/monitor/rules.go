package monitor

import (
	"fmt"
	"strings"

	"tradeguard/internal/events"
	"tradeguard/internal/reconciliation"
	"tradeguard/internal/risk"
)

// Check turns an event payload into an alert message when it warrants one.
func Check(payload any) (string, bool) {
	switch v := payload.(type) {
	case events.Alert:
		return fmt.Sprintf("%s: %s", v.Level, v.Message), true
	case risk.OverlayDecision:
		if v.Mode.Severity() < risk.ModeNoNewEntries.Severity() {
			return "", false
		}
		return fmt.Sprintf("overlay %s: %s", v.Mode, strings.Join(v.Reasons, "; ")), true
	case reconciliation.Result:
		if len(v.Mismatches) == 0 && len(v.Errors) == 0 {
			return "", false
		}
		return fmt.Sprintf("reconciliation: %d orphan, %d fee, %d qty mismatches, %d errors, drift $%.2f",
			v.OrphanFills, v.FeeMismatches, v.QtyMismatches, len(v.Errors), v.DriftUSD), true
	case string:
		return v, v != ""
	}
	return "", false
}

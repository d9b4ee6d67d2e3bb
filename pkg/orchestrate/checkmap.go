package orchestrate

import (
	"errors"
	"fmt"
)

// ErrUnmappedCheck indicates a diagnostic check id with no remediation
// mapping. Never retried: retrying cannot make an unlisted check listed.
var ErrUnmappedCheck = errors.New("orchestrate: unmapped check")

// checkToAction is the fixed lookup table from diagnostic check ids to
// allowlisted action ids.
var checkToAction = map[string]string{
	"dns-health":          "flush-dns-macos",
	"wifi-connectivity":   "toggle-wifi-macos",
	"app-cache-bloat":     "clear-app-cache",
	"finder-unresponsive": "restart-finder",
	"privacy-residue":     "clear-recent-items",
	"launchpad-corrupt":   "reset-launchpad",
	"disk-log-pressure":   "clear-system-logs",
}

// MapCheck resolves a diagnostic check id to an action id.
func MapCheck(checkID string) (string, error) {
	actionID, ok := checkToAction[checkID]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnmappedCheck, checkID)
	}
	return actionID, nil
}

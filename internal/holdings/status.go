// internal/holdings/status.go
package holdings

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the circulation state of a single item.
type Status int

const (
	// StatusUnset is the zero value: no status was supplied.
	StatusUnset Status = iota
	StatusUnknown
	StatusOnOrder
	StatusNotForLoan
	StatusOnLoan
	StatusOnShelf
	StatusLost
	StatusDiscarded
	StatusOnline
	StatusDecommissioned
)

var statusNames = map[Status]string{
	StatusUnknown:        "UNKNOWN",
	StatusOnOrder:        "OnOrder",
	StatusNotForLoan:     "NotForLoan",
	StatusOnLoan:         "OnLoan",
	StatusOnShelf:        "OnShelf",
	StatusLost:           "Lost",
	StatusDiscarded:      "Discarded",
	StatusOnline:         "Online",
	StatusDecommissioned: "Decommissioned",
}

var statusAliases = map[string]Status{
	"UNKNOWN":        StatusUnknown,
	"ON_ORDER":       StatusOnOrder,
	"NOT_FOR_LOAN":   StatusNotForLoan,
	"ON_LOAN":        StatusOnLoan,
	"ON_SHELF":       StatusOnShelf,
	"LOST":           StatusLost,
	"DISCARDED":      StatusDiscarded,
	"ONLINE":         StatusOnline,
	"DECOMMISSIONED": StatusDecommissioned,
}

// String returns the storage and wire name of the status.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return statusNames[StatusUnknown]
}

// Storable reports whether the status may be written to an item row.
// Decommissioned items are removed instead of stored, and an unset status
// never reaches storage.
func (s Status) Storable() bool {
	if s == StatusDecommissioned {
		return false
	}
	_, ok := statusNames[s]
	return ok
}

// ParseStatus accepts both the storage names (OnShelf) and the upper snake
// names (ON_SHELF).
func ParseStatus(raw string) (Status, error) {
	raw = strings.TrimSpace(raw)
	for s, name := range statusNames {
		if strings.EqualFold(name, raw) {
			return s, nil
		}
	}
	if s, ok := statusAliases[strings.ToUpper(raw)]; ok {
		return s, nil
	}
	return StatusUnset, fmt.Errorf("%w: unknown item status %q", ErrValidation, raw)
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

package payment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// PaymentType is the externally visible scheduling class of a record.
// It is never empty on a persisted payment.
type PaymentType string

const (
	TypeInstant   PaymentType = "instant"
	TypeScheduled PaymentType = "scheduled"
	TypeRecurring PaymentType = "recurring"
)

// FlexBool decodes the loose boolean encodings seen from clients:
// true/false, "true"/"false", "1"/"0", 1/0.
type FlexBool bool

// UnmarshalJSON implements tolerant boolean decoding.
func (f *FlexBool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "true", `"true"`, "1", `"1"`:
		*f = true
		return nil
	case "false", `"false"`, "0", `"0"`, "null", `""`:
		*f = false
		return nil
	}
	// Quoted mixed-case variants ("True", "FALSE").
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "1", "yes":
			*f = true
			return nil
		case "false", "0", "no", "":
			*f = false
			return nil
		}
	}
	return fmt.Errorf("cannot interpret %s as boolean", data)
}

// ResolvePaymentType is the single parse-and-validate boundary for the
// scheduling class of inbound payments. Precedence:
//
//  1. An explicit paymentType wins.
//  2. Otherwise an isInstant flag decides instant vs scheduled.
//  3. Otherwise the default is scheduled.
//
// Recurring records always resolve to TypeRecurring regardless of the
// client-supplied fields. The result is never empty.
func ResolvePaymentType(kind Kind, explicit string, isInstant *FlexBool) (PaymentType, error) {
	if kind == KindRecurring {
		return TypeRecurring, nil
	}

	switch strings.ToLower(strings.TrimSpace(explicit)) {
	case "":
		// Fall through to the flag.
	case string(TypeInstant):
		return TypeInstant, nil
	case string(TypeScheduled):
		return TypeScheduled, nil
	default:
		return "", fmt.Errorf("unknown payment_type %q", explicit)
	}

	if isInstant != nil && bool(*isInstant) {
		return TypeInstant, nil
	}
	return TypeScheduled, nil
}

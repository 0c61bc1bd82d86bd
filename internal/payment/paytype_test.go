package payment

import (
	"encoding/json"
	"testing"
)

func TestFlexBoolDecoding(t *testing.T) {
	tests := []struct {
		in      string
		want    bool
		wantErr bool
	}{
		{`true`, true, false},
		{`false`, false, false},
		{`"true"`, true, false},
		{`"false"`, false, false},
		{`1`, true, false},
		{`0`, false, false},
		{`"1"`, true, false},
		{`"0"`, false, false},
		{`"True"`, true, false},
		{`"FALSE"`, false, false},
		{`"yes"`, true, false},
		{`"no"`, false, false},
		{`null`, false, false},
		{`""`, false, false},
		{`"maybe"`, false, true},
		{`42`, false, true},
	}

	for _, tt := range tests {
		var f FlexBool
		err := json.Unmarshal([]byte(tt.in), &f)
		if tt.wantErr {
			if err == nil {
				t.Errorf("unmarshal %s: expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("unmarshal %s: %v", tt.in, err)
			continue
		}
		if bool(f) != tt.want {
			t.Errorf("unmarshal %s = %v, want %v", tt.in, bool(f), tt.want)
		}
	}
}

func TestResolvePaymentType(t *testing.T) {
	yes := FlexBool(true)
	no := FlexBool(false)

	tests := []struct {
		name      string
		kind      Kind
		explicit  string
		isInstant *FlexBool
		want      PaymentType
		wantErr   bool
	}{
		{"default is scheduled", KindSingle, "", nil, TypeScheduled, false},
		{"explicit instant", KindSingle, "instant", nil, TypeInstant, false},
		{"explicit scheduled", KindSingle, "scheduled", nil, TypeScheduled, false},
		{"explicit mixed case", KindSingle, " Instant ", nil, TypeInstant, false},
		{"flag instant", KindSingle, "", &yes, TypeInstant, false},
		{"flag false", KindSingle, "", &no, TypeScheduled, false},
		{"explicit wins over flag", KindSingle, "scheduled", &yes, TypeScheduled, false},
		{"recurring always recurring", KindRecurring, "instant", &yes, TypeRecurring, false},
		{"batch default", KindBatch, "", nil, TypeScheduled, false},
		{"unknown type", KindSingle, "sometimes", nil, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolvePaymentType(tt.kind, tt.explicit, tt.isInstant)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
			if got == "" {
				t.Error("resolved type must never be empty")
			}
		})
	}
}

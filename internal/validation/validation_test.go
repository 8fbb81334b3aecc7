package validation

import "testing"

func TestIsValidFrequency(t *testing.T) {
	valid := []string{"weekly", "biweekly", "monthly"}
	for _, f := range valid {
		if !IsValidFrequency(f) {
			t.Fatalf("IsValidFrequency(%q) = false, want true", f)
		}
	}

	invalid := []string{"", "daily", "WEEKLY", "bi-weekly", "quarterly"}
	for _, f := range invalid {
		if IsValidFrequency(f) {
			t.Fatalf("IsValidFrequency(%q) = true, want false", f)
		}
	}
}

func TestIsValidAmount(t *testing.T) {
	if !IsValidAmount(1) {
		t.Fatalf("positive amount rejected")
	}
	if IsValidAmount(0) || IsValidAmount(-100) {
		t.Fatalf("non-positive amount accepted")
	}
}

func TestIsValidPayoutMethod(t *testing.T) {
	valid := []string{"venmo", "paypal", "cashapp", "zelle", "manual"}
	for _, m := range valid {
		if !IsValidPayoutMethod(m) {
			t.Fatalf("IsValidPayoutMethod(%q) = false, want true", m)
		}
	}
	if IsValidPayoutMethod("bitcoin") || IsValidPayoutMethod("") {
		t.Fatalf("unknown method accepted")
	}
}

func TestIsManualDisbursement(t *testing.T) {
	// У zelle нет схемы ссылок для выплат, поэтому он проводится вручную.
	if !IsManualDisbursement("zelle") || !IsManualDisbursement("manual") {
		t.Fatalf("manual methods not recognized")
	}
	if IsManualDisbursement("venmo") || IsManualDisbursement("paypal") || IsManualDisbursement("cashapp") {
		t.Fatalf("gateway methods reported as manual")
	}
}

func TestIsValidEmail(t *testing.T) {
	valid := []string{"a@b.co", "member.one@example.com"}
	for _, e := range valid {
		if !IsValidEmail(e) {
			t.Fatalf("IsValidEmail(%q) = false, want true", e)
		}
	}

	invalid := []string{"", "no-at", "@start.com", "end@", "spaces in@mail.com", "no@dot"}
	for _, e := range invalid {
		if IsValidEmail(e) {
			t.Fatalf("IsValidEmail(%q) = true, want false", e)
		}
	}
}

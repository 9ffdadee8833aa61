package enums

import "testing"

func TestParseStatuses(t *testing.T) {
	if got, err := ParseOrderStatus("delivering"); err != nil || got != OrderStatusDelivering {
		t.Fatalf("unexpected order status %q err=%v", got, err)
	}
	if _, err := ParseOrderStatus("completed"); err == nil {
		t.Fatal("legacy spellings are not canonical order statuses")
	}
	if got, err := ParseDeliveryStatus("waiting_provider"); err != nil || got != DeliveryStatusWaitingProvider {
		t.Fatalf("unexpected delivery status %q err=%v", got, err)
	}
	if !PaymentStatusRequiresAction.IsValid() {
		t.Fatal("requires_action should be valid")
	}
	if PaymentStatus("succeeded").IsValid() {
		t.Fatal("succeeded is an alias, not a canonical payment status")
	}
}

func TestParseEventAndJobKinds(t *testing.T) {
	if got, err := ParsePaymentEventType("payment_succeeded"); err != nil || got != PaymentEventTypeSucceeded {
		t.Fatalf("unexpected event type %q err=%v", got, err)
	}
	if _, err := ParseJobKind("refund"); err == nil {
		t.Fatal("expected unknown job kind to fail")
	}
	if got, _ := ParseCurrency("IDR"); got != CurrencyIDR {
		t.Fatalf("expected IDR, got %q", got)
	}
}

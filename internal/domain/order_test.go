package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestOrderFlagsStatusDerivation(t *testing.T) {
	cases := []struct {
		flags OrderFlags
		want  OrderStatus
	}{
		{OrderFlags{}, OrderStatusAwaitingPayment},
		{OrderFlags{Paid: true}, OrderStatusStoreProcessing},
		{OrderFlags{Paid: true, Completed: true}, OrderStatusInTransit},
		{OrderFlags{Paid: true, Completed: true, Delivered: true}, OrderStatusDelivered},
		{OrderFlags{Delivered: true}, OrderStatusAwaitingPayment},
		{OrderFlags{Completed: true}, OrderStatusAwaitingPayment},
		{OrderFlags{Completed: true, Delivered: true}, OrderStatusAwaitingPayment},
		{OrderFlags{Paid: true, Delivered: true}, OrderStatusStoreProcessing},
		{OrderFlags{Canceled: true}, OrderStatusCanceled},
		{OrderFlags{Canceled: true, Paid: true}, OrderStatusCanceled},
		{OrderFlags{Canceled: true, Completed: true}, OrderStatusCanceled},
		{OrderFlags{Canceled: true, Delivered: true}, OrderStatusCanceled},
		{OrderFlags{Canceled: true, Paid: true, Completed: true}, OrderStatusCanceled},
		{OrderFlags{Canceled: true, Paid: true, Delivered: true}, OrderStatusCanceled},
		{OrderFlags{Canceled: true, Completed: true, Delivered: true}, OrderStatusCanceled},
		{OrderFlags{Canceled: true, Paid: true, Completed: true, Delivered: true}, OrderStatusCanceled},
	}

	for _, tc := range cases {
		if got := tc.flags.Status(); got != tc.want {
			t.Fatalf("flags %+v: expected %s got %s", tc.flags, tc.want, got)
		}
	}
}

func TestRoundMoneyHalfUp(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"10.005", "10.01"},
		{"10.004", "10.00"},
		{"249.99", "249.99"},
		{"-10.005", "-10.01"},
		{"0.335", "0.34"},
	}
	for _, tc := range cases {
		in, err := decimal.NewFromString(tc.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		if got := MoneyString(RoundMoney(in)); got != tc.want {
			t.Fatalf("round %s: expected %s got %s", tc.in, tc.want, got)
		}
	}
}

func TestOrderPositionSubtotal(t *testing.T) {
	price, _ := decimal.NewFromString("99.99")
	pos := OrderPosition{Price: price, Quantity: 3}
	if got := MoneyString(pos.Subtotal()); got != "299.97" {
		t.Fatalf("expected subtotal 299.97 got %s", got)
	}
}

func TestCartOwnerKey(t *testing.T) {
	if key := (CartOwner{UserID: "u1"}).Key(); key != "user:u1" {
		t.Fatalf("unexpected user key %s", key)
	}
	if key := (CartOwner{Token: "tok"}).Key(); key != "token:tok" {
		t.Fatalf("unexpected token key %s", key)
	}
	if !(CartOwner{}).IsZero() {
		t.Fatalf("empty owner should be zero")
	}
}

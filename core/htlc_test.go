package core

import (
	"testing"
	"time"

	"golang.org/x/crypto/sha3"
)

func TestHTLCClaimWithPreimage(t *testing.T) {
	clk := testClock()
	reg := NewHTLCRegistry(clk)

	preimage := []byte("the-secret")
	hashlock := Hash(sha3.Sum256(preimage))
	c, err := reg.Open(addr(1), addr(2), 500, hashlock, clk.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := reg.Claim(c.ID, []byte("wrong")); err == nil {
		t.Fatal("claimed with a wrong preimage")
	}
	got, err := reg.Claim(c.ID, preimage)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got.State != HTLCClaimed {
		t.Fatalf("state %v", got.State)
	}
	// Terminal states never change.
	if _, err := reg.Refund(c.ID); err == nil {
		t.Fatal("refunded a claimed contract")
	}
}

func TestHTLCRefundAfterTimelock(t *testing.T) {
	clk := testClock()
	reg := NewHTLCRegistry(clk)

	preimage := []byte("s")
	hashlock := Hash(sha3.Sum256(preimage))
	c, err := reg.Open(addr(1), addr(2), 500, hashlock, clk.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := reg.Refund(c.ID); err == nil {
		t.Fatal("refunded before the timelock")
	}
	clk.Add(2 * time.Hour)
	if _, err := reg.Claim(c.ID, preimage); err == nil {
		t.Fatal("claimed past the timelock")
	}
	got, err := reg.Refund(c.ID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got.State != HTLCRefunded {
		t.Fatalf("state %v", got.State)
	}
}

func TestHTLCDuplicateOpenRejected(t *testing.T) {
	clk := testClock()
	reg := NewHTLCRegistry(clk)
	hashlock := Hash(sha3.Sum256([]byte("x")))

	if _, err := reg.Open(addr(1), addr(2), 5, hashlock, clk.Now().Add(time.Hour)); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := reg.Open(addr(1), addr(2), 5, hashlock, clk.Now().Add(time.Hour)); err == nil {
		t.Fatal("identical lock opened twice")
	}
}

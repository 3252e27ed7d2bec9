// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package syncookie

import (
	"net"
	"testing"
)

func TestRoundtrip(t *testing.T) {
	secret := make([]byte, SecretSize)
	e, err := NewEngine(secret)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	clientIP := net.ParseIP("192.168.1.100")
	const clientPort, serverPort uint16 = 12345, 8080
	const clientSeq uint32 = 1000
	const now int64 = 1_700_000_000

	cookie := e.Generate(clientIP, clientPort, serverPort, clientSeq, now)

	if !e.Validate(clientIP, clientPort, serverPort, clientSeq, now, cookie) {
		t.Fatal("expected validation to succeed for identical inputs")
	}

	tampered := net.ParseIP("192.168.1.101")
	if e.Validate(tampered, clientPort, serverPort, clientSeq, now, cookie) {
		t.Fatal("expected validation to fail for a different client IP")
	}
}

func TestDeterministic(t *testing.T) {
	secret := make([]byte, SecretSize)
	e, _ := NewEngine(secret)
	ip := net.ParseIP("10.0.0.1")
	a := e.Generate(ip, 1, 2, 3, 1_000_000)
	b := e.Generate(ip, 1, 2, 3, 1_000_000)
	if a != b {
		t.Fatal("generator is not a pure function of its inputs")
	}
}

func TestClockSkewWindow(t *testing.T) {
	secret := make([]byte, SecretSize)
	e, _ := NewEngine(secret)
	ip := net.ParseIP("10.0.0.1")

	const genAt int64 = 120 // epoch 2
	cookie := e.Generate(ip, 1, 2, 3, genAt)

	// Same epoch: valid.
	if !e.Validate(ip, 1, 2, 3, genAt+10, cookie) {
		t.Fatal("expected validation within the same epoch")
	}
	// One epoch later: still valid (skew window).
	if !e.Validate(ip, 1, 2, 3, genAt+epochSeconds+5, cookie) {
		t.Fatal("expected validation within one epoch of skew")
	}
	// Two epochs later: invalid.
	if e.Validate(ip, 1, 2, 3, genAt+2*epochSeconds+5, cookie) {
		t.Fatal("expected validation to fail two epochs later")
	}
}

func TestEpochSaturatesAtZero(t *testing.T) {
	if epoch(-5) != 0 {
		t.Fatalf("expected saturating epoch(-5) == 0, got %d", epoch(-5))
	}
}

func TestInvalidSecretLength(t *testing.T) {
	if _, err := NewEngine(make([]byte, 10)); err == nil {
		t.Fatal("expected error for short secret")
	}
}

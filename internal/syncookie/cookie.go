// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package syncookie implements stateless SYN-cookie generation and
// validation. The algorithm is deliberately simple and
// synchronous — SHA-256 over the 4-tuple plus a one-minute epoch — so it
// can run on the hot path with no allocation beyond the digest itself.
// There is no ecosystem replacement for this: it is a bespoke keyed
// construction, not a general hashing workload, so crypto/sha256 (stdlib)
// is used directly rather than reaching for a third-party KDF.
package syncookie

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"net"
)

// SecretSize is the required length of the node's cookie secret.
const SecretSize = 32

// epochSeconds is the cookie rotation window.
const epochSeconds = 60

// Engine generates and validates SYN cookies for one node using a single
// 32-byte secret. It holds no per-connection state.
type Engine struct {
	secret [SecretSize]byte
}

// NewEngine returns an Engine keyed by secret, which must be exactly
// SecretSize bytes.
func NewEngine(secret []byte) (*Engine, error) {
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("syncookie: secret must be %d bytes, got %d", SecretSize, len(secret))
	}
	e := &Engine{}
	copy(e.secret[:], secret)
	return e, nil
}

// epoch returns floor(unixSeconds / 60), saturating at zero.
func epoch(unixSeconds int64) uint64 {
	if unixSeconds < 0 {
		return 0
	}
	return uint64(unixSeconds) / epochSeconds
}

// hash computes H = SHA-256(secret || client_ip || client_port ||
// server_port || client_seq || t), all fields big-endian, and returns the
// first 4 bytes as a big-endian uint32.
func (e *Engine) hash(clientIP net.IP, clientPort, serverPort uint16, clientSeq uint32, t uint64) uint32 {
	ip4 := clientIP.To4()
	if ip4 == nil {
		ip4 = make([]byte, 4)
	}

	h := sha256.New()
	h.Write(e.secret[:])
	h.Write(ip4)

	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], clientPort)
	h.Write(portBuf[:])
	binary.BigEndian.PutUint16(portBuf[:], serverPort)
	h.Write(portBuf[:])

	var seqBuf [4]byte
	binary.BigEndian.PutUint32(seqBuf[:], clientSeq)
	h.Write(seqBuf[:])

	var tBuf [8]byte
	binary.BigEndian.PutUint64(tBuf[:], t)
	h.Write(tBuf[:])

	sum := h.Sum(nil)
	return binary.BigEndian.Uint32(sum[:4])
}

// Generate produces the SYN cookie for the current epoch derived from
// nowUnix.
func (e *Engine) Generate(clientIP net.IP, clientPort, serverPort uint16, clientSeq uint32, nowUnix int64) uint32 {
	return e.hash(clientIP, clientPort, serverPort, clientSeq, epoch(nowUnix))
}

// Validate reports whether cookie matches the generator's output for the
// current epoch or the previous one, tolerating one minute of clock skew
// between the SYN and the ACK.
func (e *Engine) Validate(clientIP net.IP, clientPort, serverPort uint16, clientSeq uint32, nowUnix int64, cookie uint32) bool {
	t := epoch(nowUnix)
	if e.hash(clientIP, clientPort, serverPort, clientSeq, t) == cookie {
		return true
	}
	if t == 0 {
		return false
	}
	return e.hash(clientIP, clientPort, serverPort, clientSeq, t-1) == cookie
}

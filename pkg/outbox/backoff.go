package outbox

import (
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// BackoffPolicy computes the poll-loop delay after consecutive failures.
// Exponential with a deterministic jitter derived from a key, so delays are
// reproducible in tests yet de-synchronized across processes.
type BackoffPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the delay, 0..1
}

// DefaultBackoffPolicy doubles from one second up to a minute with 20% jitter.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Base: time.Second, Max: time.Minute, Jitter: 0.2}
}

// Delay returns the wait before attempt n (0-based). The jitter offset is a
// pure function of key and n.
func (p BackoffPolicy) Delay(key string, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			d = p.Max
			break
		}
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	if p.Jitter <= 0 {
		return d
	}

	h := sha256.Sum256([]byte(key))
	seed := binary.BigEndian.Uint64(h[:8]) + uint64(attempt)
	// xorshift step over the hash-derived seed.
	seed ^= seed << 13
	seed ^= seed >> 7
	seed ^= seed << 17
	frac := float64(seed%10000) / 10000.0 // 0..1

	span := float64(d) * p.Jitter
	offset := time.Duration(span * (frac*2 - 1)) // +/- jitter span
	out := d + offset
	if out < base {
		out = base
	}
	if p.Max > 0 && out > p.Max {
		out = p.Max
	}
	return out
}

// Package backoff computes retry delays for dispatches and effects.
package backoff

import (
	"encoding/binary"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
)

// Policy is an exponential backoff with a ceiling.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retry number attempt (1-based) of the row
// identified by key. The exponential part doubles from Base; jitter of up to
// half that is derived from key and attempt, so every worker computes the same
// delay for the same row. The result never exceeds Max.
func (p Policy) Delay(key string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.Base <= 0 {
		return 0
	}
	ceiling := p.Max
	if ceiling < p.Base {
		ceiling = p.Base
	}

	d := p.Base
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}

	if jitterMax := d / 2; jitterMax > 0 {
		sum := blake3.Sum256([]byte(key + ":" + strconv.Itoa(attempt)))
		d += time.Duration(binary.BigEndian.Uint64(sum[:8]) % uint64(jitterMax))
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}

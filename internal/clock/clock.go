// Package clock defines the time source used by components that reason about
// TTLs, leases and retention.
package clock

import "time"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string for run and schedule identifiers.
// ULIDs sort lexicographically by creation time, which keeps "latest first"
// list queries cheap without a separate sequence column.
func NewID() string {
	return ulid.Make().String()
}

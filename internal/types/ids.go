// README: Shared identifiers and coordinates.
package types

import (
	"strings"

	"github.com/google/uuid"
)

type ID string

// NewID returns a 32 character hex id.
func NewID() ID {
	return ID(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

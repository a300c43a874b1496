// README: Package (parcel) attributes shared by pricing, scoring and booking.
package types

import "strings"

type Size string

const (
	SizeSmall  Size = "small"
	SizeMedium Size = "medium"
	SizeLarge  Size = "large"
	SizeXLarge Size = "xlarge"
)

var sizeRank = map[Size]int{
	SizeSmall:  1,
	SizeMedium: 2,
	SizeLarge:  3,
	SizeXLarge: 4,
}

// Rank orders size classes; unknown sizes rank 0.
func (s Size) Rank() int {
	return sizeRank[s]
}

func (s Size) Normalize() Size {
	return Size(strings.ToLower(strings.TrimSpace(string(s))))
}

type Package struct {
	WeightKg float64 `json:"weight_kg"`
	Size     Size    `json:"size"`
	Fragile  bool    `json:"fragile"`
}

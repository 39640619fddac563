package extract

import "github.com/JakeFAU/imagevault/internal/catalog"

// Size preset bounds, inclusive.
const (
	SmallMax  = 500
	MediumMin = 500
	MediumMax = 1500
	LargeMin  = 1500
)

// MatchesPreset reports whether an image with the given dimensions passes
// preset. Unknown dimensions are not filtered; when only one is known the
// bound applies to that one alone.
func MatchesPreset(preset catalog.SizePreset, width, height *int) bool {
	if preset == catalog.SizeAll || preset == "" {
		return true
	}
	for _, dim := range []*int{width, height} {
		if dim == nil {
			continue
		}
		if !withinPreset(preset, *dim) {
			return false
		}
	}
	return true
}

func withinPreset(preset catalog.SizePreset, v int) bool {
	switch preset {
	case catalog.SizeSmall:
		return v <= SmallMax
	case catalog.SizeMedium:
		return v >= MediumMin && v <= MediumMax
	case catalog.SizeLarge:
		return v >= LargeMin
	default:
		return true
	}
}

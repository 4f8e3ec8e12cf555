package job

import "fmt"

// Band classifies a job's base priority into one of three dispatch bands.
// Each band gives the PriorityQueue score a base offset (1000 apart by
// default), so a fresh job in a higher band outranks a fresh job in a
// lower one; aging and retry penalties are not clamped to the band and can
// cross that offset after enough minutes.
type Band uint8

const (
	// High is the most urgent band.
	High Band = iota
	// Normal is the default band.
	Normal
	// Low is the least urgent band.
	Low
)

func (b Band) String() string {
	switch b {
	case High:
		return "High"
	case Normal:
		return "Normal"
	case Low:
		return "Low"
	default:
		return "Unknown"
	}
}

// BandOf maps a raw base priority (1..1000, lower is more urgent) to its
// dispatch band. The thresholds are configuration-free here; callers that
// need configurable band edges should classify before constructing a Job.
func BandOf(basePriority int) Band {
	switch {
	case basePriority <= 100:
		return High
	case basePriority <= 700:
		return Normal
	default:
		return Low
	}
}

// ParseBand converts a string into a Band. An error is returned for
// unrecognized strings.
func ParseBand(s string) (Band, error) {
	switch s {
	case "High":
		return High, nil
	case "Normal":
		return Normal, nil
	case "Low":
		return Low, nil
	default:
		return 0, fmt.Errorf("unknown priority band: %s", s)
	}
}

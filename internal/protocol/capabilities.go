package protocol

import "fmt"

// Version is a protocol major.minor pair.
type Version struct {
	Major uint16
	Minor uint16
}

// Current is the version this implementation speaks.
var Current = Version{Major: 6, Minor: 8}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Packed returns the single integer form (major<<16 | minor).
func (v Version) Packed() uint32 {
	return uint32(v.Major)<<16 | uint32(v.Minor)
}

func (v Version) AtLeast(major, minor uint16) bool {
	return v.Major > major || (v.Major == major && v.Minor >= minor)
}

// Less orders versions by major then minor.
func (v Version) Less(o Version) bool {
	return v.Packed() < o.Packed()
}

func (v Version) IsZero() bool {
	return v.Major == 0 && v.Minor == 0
}

// Capabilities is the set of minor-gated features both peers may use.
type Capabilities struct {
	Version             Version
	Heartbeat           bool
	BinaryResponse      bool
	ExtendedEncodings   bool
	AttachFlags         bool
	KeyEventEx          bool
	AudioEncodings      bool
	NewDisplayEncodings bool
	EventNumericID      bool
}

// CapabilitiesOf lists what a single version supports.
func CapabilitiesOf(v Version) Capabilities {
	return Capabilities{
		Version:             v,
		Heartbeat:           v.AtLeast(6, 1),
		BinaryResponse:      v.AtLeast(6, 2),
		ExtendedEncodings:   v.AtLeast(6, 3),
		AttachFlags:         v.AtLeast(6, 4),
		KeyEventEx:          v.AtLeast(6, 5),
		AudioEncodings:      v.AtLeast(6, 6),
		NewDisplayEncodings: v.AtLeast(6, 7),
		EventNumericID:      v.AtLeast(6, 8),
	}
}

// Negotiate checks major compatibility and returns the capabilities of the
// lower of the two versions. Both peers reach the same answer.
func Negotiate(ours, theirs Version) (Capabilities, error) {
	if ours.Major != theirs.Major {
		return Capabilities{}, fmt.Errorf("%w: ours=%s theirs=%s", ErrUnsupportedVersion, ours, theirs)
	}
	low := ours
	if theirs.Less(ours) {
		low = theirs
	}
	return CapabilitiesOf(low), nil
}

package routing

import "fmt"

// SecurityLevel selects one of the stock table pairs.
type SecurityLevel int

const (
	LowSecurity SecurityLevel = iota
	NormalSecurity
	HighSecurity
)

func (l SecurityLevel) String() string {
	switch l {
	case LowSecurity:
		return "low"
	case NormalSecurity:
		return "normal"
	case HighSecurity:
		return "high"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseSecurityLevel accepts the names printed by String.
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	switch s {
	case "low":
		return LowSecurity, nil
	case "", "normal":
		return NormalSecurity, nil
	case "high":
		return HighSecurity, nil
	default:
		return 0, fmt.Errorf("routing: unknown security level %q", s)
	}
}

// Package types that always travel on the secure route at normal
// security: input, clipboard, session authentication and console attach,
// then the dispatcher command blocks.
var normalSecureTypes = []uint32{1000, 1001, 1002, 1003}

var normalSecureRanges = []Range{
	{Begin: 2000, End: 2999},
	{Begin: 3000, End: 3999},
	{Begin: 4000, End: 4999},
	{Begin: 5000, End: 5999},
	{Begin: 6000, End: 6999},
	{Begin: 7000, End: 7999},
}

// ServerTable returns the table a server offers at level.
func ServerTable(level SecurityLevel) Table {
	switch level {
	case LowSecurity:
		return New(Plain, Optional, Secure)
	case HighSecurity:
		return New(Secure, Required)
	default:
		return withNormalRanges(New(Plain, Optional))
	}
}

// ClientTable returns the table a client proposes at level.
func ClientTable(level SecurityLevel) Table {
	switch level {
	case LowSecurity:
		return New(Plain, Required)
	case HighSecurity:
		return New(Secure, Required)
	default:
		return withNormalRanges(New(Plain, Required))
	}
}

func withNormalRanges(t Table) Table {
	for _, typ := range normalSecureTypes {
		if err := t.AddRoute(typ, Secure, Required); err != nil {
			panic("routing: bad preset: " + err.Error())
		}
	}
	for _, r := range normalSecureRanges {
		if err := t.AddRange(r.Begin, r.End, Secure, Required); err != nil {
			panic("routing: bad preset: " + err.Error())
		}
	}
	return t
}

package refresh

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// TargetKind is the kind of scope a refresh covers.
type TargetKind int

// Target kinds. The zero value is the owning provider.
const (
	TargetProvider TargetKind = iota
	TargetZone
	TargetHost
	TargetInstance
)

var targetKindNames = map[TargetKind]string{
	TargetProvider: "provider",
	TargetZone:     "zone",
	TargetHost:     "host",
	TargetInstance: "instance",
}

func (k TargetKind) String() string {
	if s, ok := targetKindNames[k]; ok {
		return s
	}

	return fmt.Sprintf("TargetKind(%d)", int(k))
}

// ErrInvalidTarget is returned by ParseTarget for malformed input.
var ErrInvalidTarget = errors.New("refresh: invalid target")

// Target is the disconnect boundary of a refresh: the whole provider, or one
// zone, host, or instance entity identified by its inventory id.
type Target struct {
	Kind TargetKind
	ID   int64
}

// ProviderTarget is the default target.
var ProviderTarget = Target{Kind: TargetProvider}

// IsProvider reports whether t covers the whole provider.
func (t Target) IsProvider() bool {
	return t.Kind == TargetProvider
}

func (t Target) String() string {
	if t.Kind == TargetProvider {
		return t.Kind.String()
	}

	return fmt.Sprintf("%s:%d", t.Kind, t.ID)
}

// ParseTarget parses "provider", "zone:ID", "host:ID", or "instance:ID".
// An empty string is the provider.
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "provider" {
		return ProviderTarget, nil
	}

	kindName, idText, ok := strings.Cut(s, ":")
	if !ok {
		return Target{}, fmt.Errorf("%w: %q (want provider, zone:ID, host:ID or instance:ID)", ErrInvalidTarget, s)
	}

	var kind TargetKind

	switch kindName {
	case "zone":
		kind = TargetZone
	case "host":
		kind = TargetHost
	case "instance":
		kind = TargetInstance
	default:
		return Target{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidTarget, kindName)
	}

	id, err := strconv.ParseInt(idText, 10, 64)
	if err != nil || id <= 0 {
		return Target{}, fmt.Errorf("%w: %q is not a positive id", ErrInvalidTarget, idText)
	}

	return Target{Kind: kind, ID: id}, nil
}

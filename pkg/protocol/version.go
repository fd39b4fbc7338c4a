package protocol

import (
	"fmt"

	masterminds "github.com/Masterminds/semver/v3"
)

// Version is the protocol version this client speaks. Servers report theirs
// in the connect handshake.
const Version = "1.2.0"

// CompatibleRange is the SemVer constraint a server version must satisfy.
const CompatibleRange = ">= 1.0.0, < 2.0.0"

// CheckCompatibility reports whether a server-advertised protocol version
// can serve this client.
func CheckCompatibility(version string) error {
	sv, err := masterminds.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid server protocol version %q: %w", version, err)
	}
	constraint, err := masterminds.NewConstraint(CompatibleRange)
	if err != nil {
		return fmt.Errorf("invalid compatibility range %q: %w", CompatibleRange, err)
	}
	if !constraint.Check(sv) {
		return fmt.Errorf("server protocol version %s outside supported range %s", version, CompatibleRange)
	}
	return nil
}

package launch

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// ProtocolVersion is the revision this binary speaks.
const ProtocolVersion = "1.1.0"

// minCompatibleVersion is the oldest peer revision still accepted. One prior
// minor revision stays supported so orchestrators and workers can roll
// independently.
const minCompatibleVersion = "1.0.0"

// ErrProtocolMismatch reports a peer speaking an incompatible protocol
// revision. A launch that fails this check never leaves PENDING.
var ErrProtocolMismatch = errors.New("incompatible protocol revision")

// CheckCompatibility validates a peer's announced revision against ours:
// same major version and no older than the supported floor.
func CheckCompatibility(remote string) error {
	v, err := semver.NewVersion(remote)
	if err != nil {
		return fmt.Errorf("%w: cannot parse peer version %q: %v", ErrProtocolMismatch, remote, err)
	}
	local := semver.MustParse(ProtocolVersion)
	floor := semver.MustParse(minCompatibleVersion)
	if v.Major() != local.Major() {
		return fmt.Errorf("%w: peer speaks %s, this binary speaks %s", ErrProtocolMismatch, remote, ProtocolVersion)
	}
	if v.LessThan(floor) {
		return fmt.Errorf("%w: peer speaks %s, oldest supported is %s", ErrProtocolMismatch, remote, minCompatibleVersion)
	}
	return nil
}

package types //nolint:revive // types is a valid package name

import (
	"regexp"
	"testing"
)

var semver = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.]+)?$`)

func TestVersion_Format(t *testing.T) {
	for name, v := range map[string]string{"Version": Version, "ContractVersion": ContractVersion} {
		if !semver.MatchString(v) {
			t.Errorf("%s %q is not a valid semver", name, v)
		}
	}
}

package database

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

var versionRe = regexp.MustCompile(`^(?:\D*)?(?P<major>\d+)(?:\.(?P<minor>\d+))?(?:\.(?P<patch>\d+))?(?:.*)?$`)

// Version версия сервера базы данных, используется при выборе стратегии блокировки.
type Version struct {
	Major int
	Minor int
	Patch int
}

func (v Version) String() string {
	return strconv.Itoa(v.Major) + "." +
		strconv.Itoa(v.Minor) + "." +
		strconv.Itoa(v.Patch)
}

func (v Version) Equals(version Version) bool {
	return v == version
}

func (v Version) MoreThan(version Version) bool {
	if v.Major != version.Major {
		return v.Major > version.Major
	}
	if v.Minor != version.Minor {
		return v.Minor > version.Minor
	}
	return v.Patch > version.Patch
}

func (v Version) MoreOrEqual(version Version) bool {
	return v.MoreThan(version) || v.Equals(version)
}

// ParseVersion разбирает строки вида "15.3 (Debian 15.3-1.pgdg120+1)", "8.0.33-log", "3.45.1".
func ParseVersion(versionString string) (Version, error) {
	match := versionRe.FindStringSubmatch(strings.TrimSpace(versionString))
	if match == nil {
		return Version{}, errors.NotValidf("server version %q", versionString)
	}

	major, _ := strconv.Atoi(match[1])
	minor, _ := strconv.Atoi(match[2])
	patch, _ := strconv.Atoi(match[3])
	return Version{
		Major: major,
		Minor: minor,
		Patch: patch,
	}, nil
}

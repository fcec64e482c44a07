package ews

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Version is the RequestServerVersion sent with every request.
type Version struct {
	Major int
	Minor int
	Name  string
}

var knownVersions = []Version{
	{8, 0, "Exchange2007"},
	{8, 1, "Exchange2007_SP1"},
	{14, 0, "Exchange2010"},
	{14, 1, "Exchange2010_SP1"},
	{14, 2, "Exchange2010_SP2"},
	{15, 0, "Exchange2013"},
	{15, 0, "Exchange2013_SP1"},
	{15, 1, "Exchange2016"},
	{15, 2, "Exchange2016"},
}

// DefaultVersion is used when no version is configured.
var DefaultVersion = Version{15, 0, "Exchange2013_SP1"}

func (v Version) String() string {
	return v.Name
}

// ParseVersion accepts a version name ("Exchange2013_SP1"), a dotted
// "major.minor" pair or a {"major": 15, "minor": 1} object.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultVersion, nil
	}

	for _, v := range knownVersions {
		if strings.EqualFold(v.Name, s) {
			return v, nil
		}
	}

	if strings.HasPrefix(s, "{") {
		var build struct {
			Major *int `yaml:"major"`
			Minor *int `yaml:"minor"`
		}
		if err := yaml.Unmarshal([]byte(s), &build); err != nil {
			return Version{}, fmt.Errorf("invalid exchange version %q: %w", s, err)
		}
		if build.Major == nil {
			return Version{}, fmt.Errorf("invalid exchange version %q: major is required", s)
		}
		minor := 0
		if build.Minor != nil {
			minor = *build.Minor
		}
		return versionFor(*build.Major, minor)
	}

	major, minor, found := strings.Cut(s, ".")
	if !found {
		minor = "0"
	}
	maj, err := strconv.Atoi(major)
	if err != nil {
		return Version{}, fmt.Errorf("unknown exchange version %q", s)
	}
	mnr, err := strconv.Atoi(minor)
	if err != nil {
		return Version{}, fmt.Errorf("unknown exchange version %q", s)
	}
	return versionFor(maj, mnr)
}

func versionFor(major, minor int) (Version, error) {
	for _, v := range knownVersions {
		if v.Major == major && v.Minor == minor {
			return v, nil
		}
	}
	return Version{}, fmt.Errorf("unsupported exchange version %d.%d", major, minor)
}

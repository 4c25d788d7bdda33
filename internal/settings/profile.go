package settings

import "fmt"

// ImageType selects which runner-creation pipeline a profile uses. The
// reference implementation only ever defines one ("Rust"); this port keeps
// the enum open for future image types without pretending to implement any
// more of them today.
type ImageType string

const (
	ImageTypeDefault ImageType = "default"
)

// Profile is a named configuration for a class of runners. Immutable after
// startup.
type Profile struct {
	ProfileName          string     `toml:"profile_name"`
	ConfigurationName    string     `toml:"configuration_name"`
	GitHubRunnerLabel    string     `toml:"github_runner_label"`
	TargetCount          int        `toml:"target_count"`
	ImageType            ImageType  `toml:"image_type"`
	Requires1GHugepages  int        `toml:"requires_1g_hugepages"`
	RequiresNormalMemory MemorySize `toml:"requires_normal_memory"`
}

// RunnerGuestName returns the hypervisor guest name for a runner id under
// this profile: "<prefix>-<profile>.<id>".
func (p Profile) RunnerGuestName(prefix string, id uint64) string {
	return fmt.Sprintf("%s-%s.%d", prefix, p.ProfileName, id)
}

// ProfileGuestName returns the template/rebuild guest name for this
// profile: "<prefix>-<profile>".
func (p Profile) ProfileGuestName(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, p.ProfileName)
}

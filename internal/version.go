package internal

import "runtime"

// Version is the current version of liveuser.
// This should be updated with each release.
const Version = "0.3.0"

// BuildInfo describes the running binary for the health endpoint.
type BuildInfo struct {
	Version string `json:"version"`
	Go      string `json:"go"`
	OS      string `json:"os"`
	Arch    string `json:"arch"`
}

func CurrentBuild() BuildInfo {
	return BuildInfo{
		Version: Version,
		Go:      runtime.Version(),
		OS:      runtime.GOOS,
		Arch:    runtime.GOARCH,
	}
}

/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package version

import "runtime"

var (
	version   string
	buildTime string
	gitBranch string
	gitCommit string
)

// VersionInfo describes the build of the binary
type VersionInfo struct {
	Version   string `json:"version" yaml:"version"`
	BuildTime string `json:"buildTime,omitempty" yaml:"buildTime,omitempty"`
	GitBranch string `json:"gitBranch,omitempty" yaml:"gitBranch,omitempty"`
	GitCommit string `json:"gitCommit,omitempty" yaml:"gitCommit,omitempty"`

	GoVersion string `json:"goVersion" yaml:"goVersion"`
	GoOS      string `json:"goOS" yaml:"goOS"`
	GoArch    string `json:"goArch" yaml:"goArch"`
}

// String returns a one line summary of the build
func (v VersionInfo) String() string {
	ver := v.Version
	if ver == "" {
		ver = "devel"
	}
	if v.GitCommit != "" {
		ver += " (" + v.GitCommit + ")"
	}
	return ver + " " + v.GoVersion + " " + v.GoOS + "/" + v.GoArch
}

// Info returns the version information
func Info() VersionInfo {
	return VersionInfo{
		Version:   version,
		BuildTime: buildTime,
		GitBranch: gitBranch,
		GitCommit: gitCommit,

		GoVersion: runtime.Version(),
		GoOS:      runtime.GOOS,
		GoArch:    runtime.GOARCH,
	}
}

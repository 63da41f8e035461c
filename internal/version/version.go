// Package version holds the build version, set at link time with
// -ldflags "-X github.com/0gfoundation/0g-zkap-authorizer/internal/version.Version=...".
package version

var Version = "dev"

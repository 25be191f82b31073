package version

import (
	"fmt"
	"runtime"
)

// will be replaced with the release version when using goreleaser
var version = "development"

const userAgent = "updates-client/%s (%s; %s)"

// Version returns the application version
func Version() string {
	return version
}

// UserAgent returns the User-Agent header value sent with manifest and asset requests
func UserAgent() string {
	return fmt.Sprintf(userAgent, version, runtime.GOOS, runtime.GOARCH)
}

package config

import (
	"net/url"
	"os"
	"sync"
)

var (
	isDockerOnce   sync.Once
	isDockerResult bool
)

// IsRunningInDocker reports whether the engine is running inside a Docker
// container, detected via /.dockerenv. The result is cached after the
// first call.
func IsRunningInDocker() bool {
	isDockerOnce.Do(func() {
		_, err := os.Stat("/.dockerenv")
		isDockerResult = err == nil
	})
	return isDockerResult
}

// ResolveURLForDocker rewrites a localhost LLM base URL to
// host.docker.internal when the engine itself is containerized, so a
// compiled-in LLMBaseURL pointing at a host-run model server (e.g. a
// local vLLM instance) still resolves. Returns rawURL unchanged
// otherwise, or if parsing fails.
func ResolveURLForDocker(rawURL string) string {
	if rawURL == "" || !IsRunningInDocker() {
		return rawURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	hostname := parsed.Hostname()
	if hostname != "localhost" && hostname != "127.0.0.1" {
		return rawURL
	}

	port := parsed.Port()
	if port != "" {
		parsed.Host = "host.docker.internal:" + port
	} else {
		parsed.Host = "host.docker.internal"
	}

	return parsed.String()
}

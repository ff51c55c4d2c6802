package pathutil

import "strings"

// NormalizePrefix returns a leading-slash prefix without a trailing slash.
func NormalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "/"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if len(prefix) > 1 {
		prefix = strings.TrimRight(prefix, "/")
	}
	return prefix
}

// JoinPath appends an API path to a base path prefix, for collectors mounted
// below the host root.
func JoinPath(prefix, path string) string {
	prefix = NormalizePrefix(prefix)
	path = "/" + strings.TrimLeft(strings.TrimSpace(path), "/")
	if prefix == "/" {
		return path
	}
	return prefix + path
}

// HasPathPrefix reports whether path equals prefix or is nested under it.
func HasPathPrefix(path, prefix string) bool {
	prefix = NormalizePrefix(prefix)
	if prefix == "/" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

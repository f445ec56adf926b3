//go:build !unix

package config

// checkFilePermissions is a no-op where POSIX modes do not apply.
func checkFilePermissions(path string) string {
	return ""
}

//go:build !amd64

package platform

const compilerSupported = false

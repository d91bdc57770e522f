//go:build !amd64

package stackvm

// CompilerSupported returns whether the SPC tier's stack-switch stubs can
// be generated on this GOARCH.
const CompilerSupported = false

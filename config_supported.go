// Note: The build constraint here is about the stack-switch stub assembler,
// which currently only targets amd64. Constraints may loosen as
// internal/asm grows arm64 support.
//go:build amd64

package stackvm

// CompilerSupported returns whether the SPC tier's stack-switch stubs can
// be generated on this GOARCH.
const CompilerSupported = true

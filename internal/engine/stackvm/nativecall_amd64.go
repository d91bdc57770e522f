package stackvm

// nativeCall transfers control to the generated resume stub at stubAddr,
// passing stack and bottom as its two native-calling-convention arguments
// (see assembleResumeStub). It returns once the stack being resumed has
// run back to return-to-parent and that stub has executed a plain RET,
// unwinding to this call's return address on the Go-allocated stack.
//
// Implemented in nativecall_amd64.s; the split mirrors the SPC tier's own
// go:linkname'd entrypoint trampoline used to jump from Go into JIT-compiled
// Wasm code.
func nativeCall(stubAddr uintptr, stack, bottom uintptr)

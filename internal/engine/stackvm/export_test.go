package stackvm

// NopStubsForTest returns a stackSwitchStubs populated with placeholder
// addresses, sufficient for exercising StackObject's Reset/Bind/Clear
// lifecycle in tests that never actually transfer control to native code
// (Resume is exercised separately, where real stubs are required).
func NopStubsForTest() *stackSwitchStubs {
	return &stackSwitchStubs{
		resume:         1,
		enterFunc:      2,
		returnToParent: 3,
	}
}

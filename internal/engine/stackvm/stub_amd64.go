package stackvm

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/wazerocore/stackvm/internal/asm"
	amd64 "github.com/wazerocore/stackvm/internal/asm/amd64"
)

// stackSwitchStubs holds the addresses of the three thunks generated once
// at engine initialization: resume, enter-func, and return-to-parent. All
// three operate in the native calling convention; the abstract registers
// named in the data model map onto fixed amd64 registers here.
type stackSwitchStubs struct {
	resume         uintptr
	enterFunc      uintptr
	returnToParent uintptr
	// code is the mapped, executable region backing all three thunks; kept
	// alive for the lifetime of the owning Engine.
	code []byte
}

// currentStack is the process-wide mutable root consulted by every
// generated stub and by runtime_* routines that need to know which
// StackObject is live; its address is referenced by the stubs via an
// immediate-addressed move, matching §6's "process-wide state" contract.
var currentStack *StackObject

// buildStackSwitchStubs assembles the three stubs described in §4.3 using
// the architecture-independent assembler abstraction, the same mechanism
// the SPC tier uses to emit per-function native code. Unlike SPC-compiled
// Wasm bodies (out of scope here), these three sequences are fixed and
// never regenerated after engine init.
func buildStackSwitchStubs() (*stackSwitchStubs, error) {
	resumeCode, err := assembleResumeStub()
	if err != nil {
		return nil, fmt.Errorf("stackvm: assembling resume stub: %w", err)
	}
	enterCode, err := assembleEnterFuncStub()
	if err != nil {
		return nil, fmt.Errorf("stackvm: assembling enter-func stub: %w", err)
	}
	returnCode, err := assembleReturnToParentStub()
	if err != nil {
		return nil, fmt.Errorf("stackvm: assembling return-to-parent stub: %w", err)
	}

	all := make([]byte, 0, len(resumeCode)+len(enterCode)+len(returnCode))
	all = append(all, resumeCode...)
	all = append(all, enterCode...)
	all = append(all, returnCode...)

	exec, err := mmapExecutable(all)
	if err != nil {
		return nil, err
	}

	base := addrOf(exec)
	stubs := &stackSwitchStubs{
		resume:         base,
		enterFunc:      base + uintptr(len(resumeCode)),
		returnToParent: base + uintptr(len(resumeCode)) + uintptr(len(enterCode)),
		code:           exec,
	}

	if pm, err := newPerfMapWriter(); err != nil {
		return nil, err
	} else if pm != nil {
		pm.addEntry(stubs.resume, uintptr(len(resumeCode)), "stackvm.stub.resume")
		pm.addEntry(stubs.enterFunc, uintptr(len(enterCode)), "stackvm.stub.enter_func")
		pm.addEntry(stubs.returnToParent, uintptr(len(returnCode)), "stackvm.stub.return_to_parent")
		if err := pm.flush(); err != nil {
			return nil, fmt.Errorf("stackvm: flushing perf map: %w", err)
		}
		perfMap = pm
	}

	return stubs, nil
}

// Field offsets within StackObject's native-visible layout, referenced by
// the generated stubs. These mirror the offset-constant-table convention
// used throughout the SPC tier (callEngineModuleContextFnOffset and
// siblings) for fields accessed from assembly.
const (
	rspFieldOffset        = 0
	vspFieldOffset        = 8
	funcFieldOffset       = 16
	parentFieldOffset     = 24
	parentRSPFieldOffset  = 32
	entryFieldOffset      = 40
	exitReasonFieldOffset = 48
)

// vspRegister is the dedicated register holding the live value-stack
// pointer while a StackObject is RUNNING; chosen to match the SPC tier's
// register allocation so no additional spill is needed at a dispatcher
// call site.
const vspRegister = amd64.REG_R13

// currentStackCellRegister holds the address of the currentStack cell's
// backing StackObject pointer, loaded once at stub entry via an
// immediate-addressed move (§6: "its address is known to the code
// generator").
const currentStackCellRegister = amd64.REG_BX

// stackArgRegister/bottomArgRegister carry the resume stub's two inputs,
// per the platform calling convention.
const (
	stackArgRegister  = amd64.REG_AX
	bottomArgRegister = amd64.REG_CX
)

// assembleResumeStub emits: store stack into currentStack, save the
// caller's machine stack pointer into bottom.parent_rsp, clear
// bottom.parent, load the target stack's rsp/vsp, then pop and jump to the
// STACK_ENTER_FUNC_STUB address left on top by Reset.
func assembleResumeStub() ([]byte, error) {
	a, err := amd64.NewAssembler(amd64.REG_DI)
	if err != nil {
		return nil, err
	}

	// 1. currentStack = stack.
	a.CompileRegisterToMemory(amd64.MOVQ, stackArgRegister, currentStackCellRegister, 0)
	// 2. bottom.parent_rsp = machine SP; bottom.parent = nil.
	a.CompileRegisterToMemory(amd64.MOVQ, amd64.REG_SP, bottomArgRegister, parentRSPFieldOffset)
	a.CompileConstToRegister(amd64.MOVQ, 0, amd64.REG_DX)
	a.CompileRegisterToMemory(amd64.MOVQ, amd64.REG_DX, bottomArgRegister, parentFieldOffset)
	// 3. load target stack's rsp into machine SP, vsp into the dedicated
	// VSP register.
	a.CompileMemoryToRegister(amd64.MOVQ, stackArgRegister, rspFieldOffset, amd64.REG_SP)
	a.CompileMemoryToRegister(amd64.MOVQ, stackArgRegister, vspFieldOffset, vspRegister)
	// 4. pop STACK_ENTER_FUNC_STUB and jump to it.
	a.CompileMemoryToRegister(amd64.MOVQ, amd64.REG_SP, 0, amd64.REG_DI)
	a.CompileConstToRegister(amd64.ADDQ, pointerSize, amd64.REG_SP)
	a.CompileJumpToRegister(amd64.JMP, amd64.REG_DI)

	return a.Assemble()
}

// emitUnwindToHost emits the tail shared by return-to-parent's natural
// unwind and enter-func's host-call exit: restore the machine stack
// pointer from currentStack.parent_rsp (the Go-managed SP saved by the
// resume stub's prologue for the bottom stack, or a reentrant parent's own
// native SP for a nested one), swap currentStack to currentStack.parent,
// clear parent/parent_rsp, and return. AX must already hold currentStack;
// CX and DX are clobbered.
func emitUnwindToHost(a asm.AssemblerBase) {
	a.CompileMemoryToRegister(amd64.MOVQ, amd64.REG_AX, parentFieldOffset, amd64.REG_CX)
	a.CompileRegisterToMemory(amd64.MOVQ, amd64.REG_CX, currentStackCellRegister, 0)
	a.CompileMemoryToRegister(amd64.MOVQ, amd64.REG_AX, parentRSPFieldOffset, amd64.REG_SP)
	a.CompileConstToRegister(amd64.MOVQ, 0, amd64.REG_DX)
	a.CompileRegisterToMemory(amd64.MOVQ, amd64.REG_DX, amd64.REG_AX, parentFieldOffset)
	a.CompileRegisterToMemory(amd64.MOVQ, amd64.REG_DX, amd64.REG_AX, parentRSPFieldOffset)
	a.CompileStandAlone(amd64.RET)
}

// assembleEnterFuncStub loads currentStack and dispatches on whether a
// compiler tier has installed a native entry point for its function
// (currentStack.entry, 0 in this repository — see the scope-consolidation
// decision in DESIGN.md, since no interpreter or SPC tier exists to
// install one). With an entry, control jumps straight into it, exactly as
// a future tier's compiled body expects. Without one (every call today),
// the function can only run as a host call: this stub stashes the live
// machine SP into currentStack.rsp as the point to resume from, marks
// exitReason so Resume knows why nativeCall returned, and unwinds through
// the same sequence return-to-parent uses, landing back in nativeCall's
// Go caller. StackObject.callHost2 does the actual call and, for a normal
// return, Resume leaves this stack retired; for a TailCall, Resume pushes
// a fresh enter-func bootstrap and resumes, re-entering this stub.
func assembleEnterFuncStub() ([]byte, error) {
	a, err := amd64.NewAssembler(amd64.REG_DI)
	if err != nil {
		return nil, err
	}
	a.CompileMemoryToRegister(amd64.MOVQ, currentStackCellRegister, 0, amd64.REG_AX)
	a.CompileMemoryToRegister(amd64.MOVQ, amd64.REG_AX, entryFieldOffset, amd64.REG_DI)
	a.CompileRegisterToRegister(amd64.TESTQ, amd64.REG_DI, amd64.REG_DI)
	hasEntry := a.CompileJump(amd64.JNE)

	// No compiled entry: this is a host call. Stash the resume point and
	// exit through the shared unwind sequence.
	a.CompileRegisterToMemory(amd64.MOVQ, amd64.REG_SP, amd64.REG_AX, rspFieldOffset)
	a.CompileConstToRegister(amd64.MOVQ, exitReasonHostCall, amd64.REG_DX)
	a.CompileRegisterToMemory(amd64.MOVQ, amd64.REG_DX, amd64.REG_AX, exitReasonFieldOffset)
	emitUnwindToHost(a)

	a.SetJumpTargetOnNext(hasEntry)
	// Compiled entry installed by a future tier: jump straight into it.
	a.CompileJumpToRegister(amd64.JMP, amd64.REG_DI)

	return a.Assemble()
}

// assembleReturnToParentStub is installed as the deepest native return
// address on every stack: store live VSP back into stack.vsp, then unwind
// through the same sequence enter-func's host branch uses (swap
// currentStack to stack.parent — nil for the bottom stack — restore the
// saved machine SP, clear parent/parent_rsp, return). This is the address
// a compiled Wasm body's own `ret` would eventually reach on its last
// frame; no tier in this repository installs such a body today, so it is
// exercised via enter-func's shared tail on every call instead.
func assembleReturnToParentStub() ([]byte, error) {
	a, err := amd64.NewAssembler(amd64.REG_DI)
	if err != nil {
		return nil, err
	}
	a.CompileMemoryToRegister(amd64.MOVQ, currentStackCellRegister, 0, amd64.REG_AX)
	a.CompileRegisterToMemory(amd64.MOVQ, vspRegister, amd64.REG_AX, vspFieldOffset)
	emitUnwindToHost(a)
	return a.Assemble()
}

// mmapExecutable copies code into a fresh mapping and switches it from
// writable to executable, grounded on the compiler tier's code-segment
// allocation (engine.releaseCode's munmap counterpart for the reverse
// path).
func mmapExecutable(code []byte) ([]byte, error) {
	size := roundUpToPage(len(code))
	if size == 0 {
		size = PageSize
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("stackvm: mmap executable stub region: %w", err)
	}
	copy(mem, code)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return nil, fmt.Errorf("stackvm: mprotect executable stub region: %w", err)
	}
	return mem, nil
}

// Package limits collects the fixed resource ceilings the rest of the
// kernel is built against: small, exact constants sized to this kernel's
// fixed single-CPU, fixed-RAM target machine, rather than tunable atomics.
package limits

/// PgSize is the size in bytes of a single physical frame / virtual page.
const PgSize = 4096

/// MaxFrames bounds the physical frame bitmap: one bit per 4 KiB frame over
/// the full 4 GiB address space.
const MaxFrames = 1 << 20

/// BootMappedBytes is the size of the physical region reachable via the
/// kernel's fixed low-memory mapping. Every page directory and page table
/// must live inside this region.
const BootMappedBytes = 8 * 1024 * 1024

/// MaxFds is the number of file descriptor slots per process.
const MaxFds = 16

/// MaxShmMappings is the number of shared-memory attachments a single
/// process may hold concurrently.
const MaxShmMappings = 8

/// MaxShmRegions is the number of shared-memory regions the system may
/// have live at once.
const MaxShmRegions = 32

/// MaxShmPages is the largest a single shared-memory region may be, in
/// pages.
const MaxShmPages = 16

/// KernelStackPages is the size, in pages, of each process's kernel stack.
const KernelStackPages = 2

/// UserStackPages is the size, in pages, of a freshly exec'd process's
/// user stack.
const UserStackPages = 4

/// UserStackVA is the lowest virtual address of a new process's user
/// stack: the stack spans UserStackPages pages from here and grows down
/// from their top.
const UserStackVA = 0x00BFC000

/// KernelVMA is the boundary virtual address: user mappings only exist
/// below it, kernel mappings only at or above it.
const KernelVMA = 0xC0000000

/// MaxModules is the number of boot modules the multiboot loader may hand
/// the kernel.
const MaxModules = 16

/// MaxProcesses bounds the process table.
const MaxProcesses = 4096

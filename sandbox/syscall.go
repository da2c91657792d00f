package sandbox

// SyscallClass groups host operations the policy rules on.
type SyscallClass string

const (
	SyscallFileRead     SyscallClass = "file_read"
	SyscallFileWrite    SyscallClass = "file_write"
	SyscallFileClose    SyscallClass = "file_close"
	SyscallFileStat     SyscallClass = "file_stat"
	SyscallMmap         SyscallClass = "mmap"
	SyscallMunmap       SyscallClass = "munmap"
	SyscallMremap       SyscallClass = "mremap"
	SyscallClockGettime SyscallClass = "clock_gettime"
	SyscallGettimeofday SyscallClass = "gettimeofday"
	SyscallExit         SyscallClass = "exit"

	SyscallFork    SyscallClass = "fork"
	SyscallClone   SyscallClass = "clone"
	SyscallExecve  SyscallClass = "execve"
	SyscallSetuid  SyscallClass = "setuid"
	SyscallSetgid  SyscallClass = "setgid"
	SyscallChmod   SyscallClass = "chmod"
	SyscallMount   SyscallClass = "mount"
	SyscallUmount  SyscallClass = "umount"
	SyscallChroot  SyscallClass = "chroot"
	SyscallNetwork SyscallClass = "network"
)

// defaultPolicy is the fixed whitelist: file I/O, memory management, time
// and exit. Process creation, privilege changes and system mutation are
// denied unconditionally. Network is gated by the manifest.
var defaultPolicy = map[SyscallClass]bool{
	SyscallFileRead:     true,
	SyscallFileWrite:    true,
	SyscallFileClose:    true,
	SyscallFileStat:     true,
	SyscallMmap:         true,
	SyscallMunmap:       true,
	SyscallMremap:       true,
	SyscallClockGettime: true,
	SyscallGettimeofday: true,
	SyscallExit:         true,

	SyscallFork:   false,
	SyscallClone:  false,
	SyscallExecve: false,
	SyscallSetuid: false,
	SyscallSetgid: false,
	SyscallChmod:  false,
	SyscallMount:  false,
	SyscallUmount: false,
	SyscallChroot: false,
}

// AuditSink receives policy-violation records. The ACL subsystem's audit
// log implements it.
type AuditSink interface {
	RecordViolation(skillID string, class SyscallClass, detail string)
}

// Policy answers allow/deny per syscall class for one skill.
type Policy struct {
	skillID      string
	networkAllow bool
	audit        AuditSink
}

// NewPolicy builds a policy for a skill; networkAllow comes from its
// manifest.
func NewPolicy(skillID string, networkAllow bool, audit AuditSink) *Policy {
	return &Policy{skillID: skillID, networkAllow: networkAllow, audit: audit}
}

// Check returns a capability error on denial and records the violation.
// Callers must terminate the guest when it returns non-nil.
func (p *Policy) Check(class SyscallClass, detail string) error {
	allowed, known := defaultPolicy[class]
	if class == SyscallNetwork {
		allowed, known = p.networkAllow, true
	}
	if known && allowed {
		return nil
	}
	if p.audit != nil {
		p.audit.RecordViolation(p.skillID, class, detail)
	}
	return capabilityErr("syscall %s denied for skill %s: %s", class, p.skillID, detail)
}

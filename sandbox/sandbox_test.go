package sandbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MoSiYuan/cis/skill"
)

// emptyModule is the smallest valid wasm binary: magic + version.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func testCaps() skill.Capabilities {
	return skill.Capabilities{MemoryBytes: 64 << 20, Fuel: 1_000_000}
}

func TestValidateAcceptsEmptyModule(t *testing.T) {
	r := NewRuntime(Config{})
	report, err := r.Validate(emptyModule, testCaps())
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Len(t, report.ContentHash, 64)
	assert.Equal(t, len(emptyModule), report.SizeBytes)
}

func TestValidateRejectsOversizedModule(t *testing.T) {
	r := NewRuntime(Config{})
	huge := make([]byte, maxModuleBytes+1)
	report, err := r.Validate(huge, testCaps())
	require.Error(t, err)
	assert.False(t, report.Valid)
	assert.NotEmpty(t, report.Failures)

	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "validation", serr.Taxonomy())
}

func TestValidateRejectsGarbage(t *testing.T) {
	r := NewRuntime(Config{})
	report, err := r.Validate([]byte("not a wasm module"), testCaps())
	require.Error(t, err)
	assert.False(t, report.Valid)
}

func TestValidateCachesByContentHash(t *testing.T) {
	r := NewRuntime(Config{})
	first, err := r.Validate(emptyModule, testCaps())
	require.NoError(t, err)
	second, err := r.Validate(emptyModule, testCaps())
	require.NoError(t, err)
	assert.Equal(t, first.ContentHash, second.ContentHash)

	r.validator.mu.Lock()
	defer r.validator.mu.Unlock()
	assert.Len(t, r.validator.cache, 1)
}

type recordingAudit struct {
	violations []string
}

func (a *recordingAudit) RecordViolation(skillID string, class SyscallClass, detail string) {
	a.violations = append(a.violations, skillID+":"+string(class))
}

func TestPolicyAllowsWhitelistedClasses(t *testing.T) {
	p := NewPolicy("s", false, nil)
	for _, class := range []SyscallClass{
		SyscallFileRead, SyscallFileWrite, SyscallFileClose, SyscallFileStat,
		SyscallMmap, SyscallMunmap, SyscallMremap,
		SyscallClockGettime, SyscallGettimeofday, SyscallExit,
	} {
		assert.NoError(t, p.Check(class, "test"), string(class))
	}
}

func TestPolicyDeniesForbiddenClasses(t *testing.T) {
	audit := &recordingAudit{}
	p := NewPolicy("s", false, audit)
	for _, class := range []SyscallClass{
		SyscallFork, SyscallClone, SyscallExecve,
		SyscallSetuid, SyscallSetgid, SyscallChmod,
		SyscallMount, SyscallUmount, SyscallChroot,
	} {
		err := p.Check(class, "test")
		require.Error(t, err, string(class))
		var serr *Error
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, "capability", serr.Taxonomy())
	}
	assert.Len(t, audit.violations, 9, "every denial is audited")
}

func TestPolicyNetworkGatedByManifest(t *testing.T) {
	denied := NewPolicy("s", false, nil)
	assert.Error(t, denied.Check(SyscallNetwork, "dial"))

	allowed := NewPolicy("s", true, nil)
	assert.NoError(t, allowed.Check(SyscallNetwork, "dial"))
}

func TestMonitorReport(t *testing.T) {
	mon := newMonitor("s", 1000, 1<<20)
	mon.countHostCall()
	mon.countHostCall()
	assert.True(t, mon.observeMemory(512<<10))

	report := mon.report(400)
	assert.Equal(t, uint64(600), report.FuelConsumed)
	assert.Equal(t, uint64(400), report.FuelRemaining)
	assert.Equal(t, uint64(2), report.HostCalls)
	assert.Equal(t, int64(512<<10), report.PeakMemory)
	assert.GreaterOrEqual(t, report.WallTime, time.Duration(0))
	assert.Empty(t, report.Violations)
}

func TestMonitorRaisesMemoryViolation(t *testing.T) {
	mon := newMonitor("s", 1000, 1024)
	assert.False(t, mon.observeMemory(2048), "ceiling crossing is a violation")
	report := mon.report(1000)
	assert.NotEmpty(t, report.Violations)
	assert.Equal(t, int64(2048), report.PeakMemory)
}

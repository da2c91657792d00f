package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/bytecodealliance/wasmtime-go/v25"

	"github.com/MoSiYuan/cis/skill"
)

// Validation limits.
const (
	// maxModuleBytes rejects modules before they reach the compiler.
	maxModuleBytes = 128 << 20 // 128 MiB

	wasmPageSize = 64 * 1024
)

// hostABI is the only import surface a module may declare. Anything else
// fails validation.
var hostABI = map[string]map[string]bool{
	"env": {
		"memory_get":    true,
		"memory_put":    true,
		"ai_embed":      true,
		"ai_completion": true,
		"log":           true,
	},
}

// ValidationReport is the structured result of pre-load validation.
type ValidationReport struct {
	ContentHash  string
	SizeBytes    int
	Valid        bool
	Failures     []string
	ImportCount  int
	MemoryPages  uint64 // declared minimum pages
	MemoryMaxSet bool
}

// validator checks modules before instantiation and caches accepted ones by
// content hash.
type validator struct {
	engine *wasmtime.Engine

	mu    sync.Mutex
	cache map[string]*wasmtime.Module
}

func newValidator(engine *wasmtime.Engine) *validator {
	return &validator{engine: engine, cache: make(map[string]*wasmtime.Module)}
}

// validate runs the pre-load checks against a manifest budget. On success
// the compiled module is cached under its content hash.
func (v *validator) validate(wasmBytes []byte, caps skill.Capabilities) (*wasmtime.Module, *ValidationReport, error) {
	report := &ValidationReport{
		ContentHash: contentHash(wasmBytes),
		SizeBytes:   len(wasmBytes),
	}

	if len(wasmBytes) > maxModuleBytes {
		report.Failures = append(report.Failures, "module exceeds 128 MiB")
		return nil, report, validationErr("module size %d exceeds %d", len(wasmBytes), maxModuleBytes)
	}

	v.mu.Lock()
	cached, ok := v.cache[report.ContentHash]
	v.mu.Unlock()

	module := cached
	if !ok {
		// Module compilation also rejects forbidden instruction sets:
		// threads/atomics and memory64 are disabled on the engine config,
		// so modules using them fail right here.
		if err := wasmtime.ModuleValidate(v.engine, wasmBytes); err != nil {
			report.Failures = append(report.Failures, err.Error())
			return nil, report, validationErr("module rejected: %v", err)
		}
		var err error
		module, err = wasmtime.NewModule(v.engine, wasmBytes)
		if err != nil {
			report.Failures = append(report.Failures, err.Error())
			return nil, report, validationErr("module compile failed: %v", err)
		}
	}

	for _, imp := range module.Imports() {
		report.ImportCount++
		name := ""
		if n := imp.Name(); n != nil {
			name = *n
		}
		if !hostABI[imp.Module()][name] {
			failure := "undeclared import " + imp.Module() + "." + name
			report.Failures = append(report.Failures, failure)
			return nil, report, validationErr("%s outside host ABI", failure)
		}
	}

	budgetPages := caps.MemoryBytes / wasmPageSize
	for _, exp := range module.Exports() {
		mem := exp.Type().MemoryType()
		if mem == nil {
			continue
		}
		report.MemoryPages = mem.Minimum()
		if ok, max := mem.Maximum(); ok {
			report.MemoryMaxSet = true
			if max > budgetPages {
				report.Failures = append(report.Failures, "declared max memory over budget")
				return nil, report, validationErr(
					"declared memory max %d pages exceeds manifest budget %d pages", max, budgetPages)
			}
		}
		if mem.Minimum() > budgetPages {
			report.Failures = append(report.Failures, "declared min memory over budget")
			return nil, report, validationErr(
				"declared memory min %d pages exceeds manifest budget %d pages", mem.Minimum(), budgetPages)
		}
	}

	if !ok {
		v.mu.Lock()
		v.cache[report.ContentHash] = module
		v.mu.Unlock()
	}
	report.Valid = true
	return module, report, nil
}

func contentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

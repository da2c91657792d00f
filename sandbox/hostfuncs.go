package sandbox

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/bytecodealliance/wasmtime-go/v25"

	"github.com/MoSiYuan/cis/memory"
	"github.com/MoSiYuan/cis/vector"
)

// Host ABI limits. Oversized lengths fault the guest.
const (
	maxHostKeyLen   = 4 << 10
	maxHostValueLen = 4 << 20
	hostCallTimeout = 10 * time.Second
)

// hostBridge exposes the fixed host ABI to one invocation. The namespace is
// rewritten to skills/{skill_id}/... before any memory call, so a guest can
// never address another scope.
type hostBridge struct {
	skillID   string
	ns        memory.Namespace
	memorySvc *memory.Service
	embedder  vector.EmbeddingService
	policy    *Policy
	mon       *monitor
	params    map[string]string
	logger    *slog.Logger

	instance *wasmtime.Instance
	mem      *wasmtime.Memory

	// resultValue is the guest's write to the reserved "result" key; it
	// becomes the invocation output.
	resultValue []byte
	// violation records the first policy breach; the guest is faulted and
	// the error surfaces on the completion channel.
	violation *Error
}

func newHostBridge(skillID string, memorySvc *memory.Service, embedder vector.EmbeddingService,
	policy *Policy, mon *monitor, params map[string]string, logger *slog.Logger) *hostBridge {
	return &hostBridge{
		skillID:   skillID,
		ns:        memory.ForSkill(skillID),
		memorySvc: memorySvc,
		embedder:  embedder,
		policy:    policy,
		mon:       mon,
		params:    params,
		logger:    logger,
	}
}

// register defines the host functions on the linker. Each wrapper validates
// guest pointers at the ABI boundary and traps on violation.
func (b *hostBridge) register(linker *wasmtime.Linker, store *wasmtime.Store) error {
	if err := linker.FuncWrap("env", "log",
		func(caller *wasmtime.Caller, ptr, length int32) *wasmtime.Trap {
			b.mon.countHostCall()
			data, trap := b.guestBytes(caller, ptr, length, maxHostValueLen)
			if trap != nil {
				return trap
			}
			b.logger.Info("skill log", "skill", b.skillID, "message", string(data))
			return nil
		}); err != nil {
		return err
	}

	if err := linker.FuncWrap("env", "memory_put",
		func(caller *wasmtime.Caller, keyPtr, keyLen, valPtr, valLen int32) (int32, *wasmtime.Trap) {
			b.mon.countHostCall()
			key, trap := b.guestBytes(caller, keyPtr, keyLen, maxHostKeyLen)
			if trap != nil {
				return 0, trap
			}
			value, trap := b.guestBytes(caller, valPtr, valLen, maxHostValueLen)
			if trap != nil {
				return 0, trap
			}
			if err := b.policy.Check(SyscallFileWrite, "memory_put "+string(key)); err != nil {
				b.violation = err.(*Error)
				return 0, wasmtime.NewTrap("syscall denied")
			}

			if string(key) == "result" {
				b.resultValue = append([]byte(nil), value...)
			}
			ctx, cancel := context.WithTimeout(context.Background(), hostCallTimeout)
			defer cancel()
			if err := b.memorySvc.Set(ctx, b.ns, string(key), value, memory.DomainPrivate, memory.SetOptions{
				Category: memory.CategorySkill,
				Source:   "skill:" + b.skillID,
			}); err != nil {
				b.logger.Warn("memory_put failed", "skill", b.skillID, "error", err)
				return -1, nil
			}
			return 0, nil
		}); err != nil {
		return err
	}

	if err := linker.FuncWrap("env", "memory_get",
		func(caller *wasmtime.Caller, keyPtr, keyLen, outPtr, outCap int32) (int32, *wasmtime.Trap) {
			b.mon.countHostCall()
			key, trap := b.guestBytes(caller, keyPtr, keyLen, maxHostKeyLen)
			if trap != nil {
				return 0, trap
			}
			if err := b.policy.Check(SyscallFileRead, "memory_get "+string(key)); err != nil {
				b.violation = err.(*Error)
				return 0, wasmtime.NewTrap("syscall denied")
			}

			ctx, cancel := context.WithTimeout(context.Background(), hostCallTimeout)
			defer cancel()
			entry, err := b.memorySvc.Get(ctx, b.ns, string(key))
			if err != nil {
				b.logger.Warn("memory_get failed", "skill", b.skillID, "error", err)
				return -2, nil
			}
			if entry == nil {
				return -1, nil
			}
			n, trap := b.writeGuest(caller, outPtr, outCap, entry.Value)
			if trap != nil {
				return 0, trap
			}
			return n, nil
		}); err != nil {
		return err
	}

	if err := linker.FuncWrap("env", "ai_embed",
		func(caller *wasmtime.Caller, textPtr, textLen, outPtr, outCap int32) (int32, *wasmtime.Trap) {
			b.mon.countHostCall()
			text, trap := b.guestBytes(caller, textPtr, textLen, maxHostValueLen)
			if trap != nil {
				return 0, trap
			}
			if b.embedder == nil {
				return -2, nil
			}
			if err := b.policy.Check(SyscallNetwork, "ai_embed"); err != nil {
				b.violation = err.(*Error)
				return 0, wasmtime.NewTrap("network denied")
			}

			ctx, cancel := context.WithTimeout(context.Background(), hostCallTimeout)
			defer cancel()
			vec, err := b.embedder.Embed(ctx, string(text))
			if err != nil {
				return -2, nil
			}
			raw := make([]byte, 0, len(vec)*4)
			for _, f := range vec {
				bits := float32bits(f)
				raw = append(raw, byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24))
			}
			n, trap := b.writeGuest(caller, outPtr, outCap, raw)
			if trap != nil {
				return 0, trap
			}
			return n, nil
		}); err != nil {
		return err
	}

	// ai_completion shares the embed gate. The runtime has no completion
	// provider, so a call that passes the gate returns -2.
	return linker.FuncWrap("env", "ai_completion",
		func(caller *wasmtime.Caller, promptPtr, promptLen, outPtr, outCap int32) (int32, *wasmtime.Trap) {
			b.mon.countHostCall()
			if _, trap := b.guestBytes(caller, promptPtr, promptLen, maxHostValueLen); trap != nil {
				return 0, trap
			}
			if err := b.policy.Check(SyscallNetwork, "ai_completion"); err != nil {
				b.violation = err.(*Error)
				return 0, wasmtime.NewTrap("network denied")
			}
			// No completion provider in this build.
			return -2, nil
		})
}

// bind captures the instance's linear memory after instantiation.
func (b *hostBridge) bind(instance *wasmtime.Instance, store *wasmtime.Store) {
	b.instance = instance
	if ext := instance.GetExport(store, "memory"); ext != nil {
		b.mem = ext.Memory()
	}
}

func (b *hostBridge) memoryDataSize(store *wasmtime.Store) int64 {
	if b.mem == nil {
		return 0
	}
	return int64(b.mem.DataSize(store))
}

func (b *hostBridge) result() string {
	return string(b.resultValue)
}

// guestBytes copies [ptr, ptr+length) out of guest memory, trapping on
// invalid pointers or oversized lengths.
func (b *hostBridge) guestBytes(caller *wasmtime.Caller, ptr, length, maxLen int32) ([]byte, *wasmtime.Trap) {
	if length < 0 || length > maxLen || ptr < 0 {
		return nil, wasmtime.NewTrap("host abi: invalid length")
	}
	mem := b.callerMemory(caller)
	if mem == nil {
		return nil, wasmtime.NewTrap("host abi: no guest memory")
	}
	data := mem.UnsafeData(caller)
	end := int64(ptr) + int64(length)
	if end > int64(len(data)) {
		return nil, wasmtime.NewTrap("host abi: pointer out of bounds")
	}
	out := make([]byte, length)
	copy(out, data[ptr:end])
	return out, nil
}

// writeGuest copies value into guest memory at [ptr, ptr+cap), returning
// the byte count or trapping on bad pointers. A too-small buffer returns -3
// so the guest can retry with the needed capacity.
func (b *hostBridge) writeGuest(caller *wasmtime.Caller, ptr, capacity int32, value []byte) (int32, *wasmtime.Trap) {
	if ptr < 0 || capacity < 0 {
		return 0, wasmtime.NewTrap("host abi: invalid out pointer")
	}
	if len(value) > int(capacity) {
		return -3, nil
	}
	mem := b.callerMemory(caller)
	if mem == nil {
		return 0, wasmtime.NewTrap("host abi: no guest memory")
	}
	data := mem.UnsafeData(caller)
	end := int64(ptr) + int64(len(value))
	if end > int64(len(data)) {
		return 0, wasmtime.NewTrap("host abi: pointer out of bounds")
	}
	copy(data[ptr:end], value)
	return int32(len(value)), nil
}

func (b *hostBridge) callerMemory(caller *wasmtime.Caller) *wasmtime.Memory {
	if ext := caller.GetExport("memory"); ext != nil {
		return ext.Memory()
	}
	return b.mem
}

func float32bits(f float32) uint32 {
	return math.Float32bits(f)
}

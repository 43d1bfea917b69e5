package resource

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// Source supplies raw usage samples for one plugin's execution context. The
// enforcer fills in the network rate from its own request counter.
type Source interface {
	Sample(ctx context.Context) (Usage, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) (Usage, error)

// Sample implements Source.
func (f SourceFunc) Sample(ctx context.Context) (Usage, error) { return f(ctx) }

// ProcessSource samples an OS process via gopsutil. It suits deployments
// where each worker runs as a separate process; in-process workers supply
// their own Source over runtime accounting instead.
type ProcessSource struct {
	proc *process.Process
}

// NewProcessSource attaches to the process with the given pid.
func NewProcessSource(pid int32) (*ProcessSource, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("attach to process %d: %w", pid, err)
	}
	return &ProcessSource{proc: proc}, nil
}

// Sample reads resident memory, CPU percent since the previous sample, and
// the open file descriptor count.
func (s *ProcessSource) Sample(ctx context.Context) (Usage, error) {
	mem, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("sample memory: %w", err)
	}
	cpu, err := s.proc.PercentWithContext(ctx, 0)
	if err != nil {
		return Usage{}, fmt.Errorf("sample cpu: %w", err)
	}
	fds, err := s.proc.NumFDsWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("sample file handles: %w", err)
	}
	return Usage{
		HeapMB:      float64(mem.RSS) / (1 << 20),
		CPUPercent:  cpu,
		FileHandles: int(fds),
	}, nil
}

package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// DefaultSampleInterval is how often a ChildSampler polls the child.
const DefaultSampleInterval = 15 * time.Second

// maxTreeDepth bounds the descendant walk.
const maxTreeDepth = 32

// ChildSample is one resource reading of the supervised child and its descendants. A boot
// script usually execs or forks the real daemon, so the totals cover the whole tree.
type ChildSample struct {
	PID        int32 // the spawned child
	Processes  int   // the child plus live descendants
	CPUPercent float64
	MemoryRSS  uint64
	NumThreads int32
	NumFDs     int32 // Unix only
	Timestamp  time.Time
}

// ChildSampler periodically records CPU and memory gauges for the current child.
// Watch is called once per run; the gauges are cleared when the run ends.
type ChildSampler struct {
	name     string
	interval time.Duration
	log      *slog.Logger

	cpu     prometheus.Gauge
	rss     prometheus.Gauge
	threads prometheus.Gauge
	fds     prometheus.Gauge
	procs   prometheus.Gauge

	mu   sync.Mutex
	last *ChildSample
}

// NewChildSampler creates a sampler for the child labelled name.
// interval <= 0 selects DefaultSampleInterval.
func NewChildSampler(name string, interval time.Duration, log *slog.Logger) *ChildSampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	if log == nil {
		log = slog.Default()
	}
	labels := prometheus.Labels{"name": name}
	return &ChildSampler{
		name:     name,
		interval: interval,
		log:      log,
		cpu: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "child", Name: "cpu_percent",
			Help: "CPU usage of the supervised child and its descendants.", ConstLabels: labels,
		}),
		rss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "child", Name: "memory_rss_bytes",
			Help: "Resident memory of the supervised child and its descendants.", ConstLabels: labels,
		}),
		threads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "child", Name: "threads",
			Help: "Thread count of the supervised child and its descendants.", ConstLabels: labels,
		}),
		fds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "child", Name: "open_fds",
			Help: "Open file descriptors of the supervised child and its descendants (Unix only).", ConstLabels: labels,
		}),
		procs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "child", Name: "processes",
			Help: "Number of live processes in the supervised child's tree.", ConstLabels: labels,
		}),
	}
}

// Register registers the sampler gauges with r.
func (s *ChildSampler) Register(r prometheus.Registerer) error {
	collectors := []prometheus.Collector{s.cpu, s.rss, s.threads, s.procs}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, s.fds)
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Watch samples pid until ctx is done or the process disappears.
func (s *ChildSampler) Watch(ctx context.Context, pid int) {
	defer s.reset()
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		sample, err := s.Sample(pid)
		if err != nil {
			s.log.Debug("sample child", "pid", pid, "error", err)
			return
		}
		s.apply(sample)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Sample reads one ChildSample for pid and its descendants. It fails only when pid itself
// cannot be read; descendants that vanish mid-walk are skipped.
func (s *ChildSampler) Sample(pid int) (*ChildSample, error) {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("failed to create process handle: %w", err)
	}
	out := &ChildSample{PID: int32(pid), Timestamp: time.Now()}
	if err := addProcess(out, root); err != nil {
		return nil, err
	}
	seen := map[int32]bool{root.Pid: true}
	walkChildren(root, seen, 0, func(p *process.Process) {
		_ = addProcess(out, p)
	})
	return out, nil
}

func addProcess(out *ChildSample, proc *process.Process) error {
	mem, err := proc.MemoryInfo()
	if err != nil {
		return fmt.Errorf("failed to get memory info: %w", err)
	}
	out.Processes++
	out.MemoryRSS += mem.RSS
	if cpu, err := proc.CPUPercent(); err == nil {
		out.CPUPercent += cpu
	}
	if n, err := proc.NumThreads(); err == nil {
		out.NumThreads += n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			out.NumFDs += n
		}
	}
	return nil
}

func walkChildren(p *process.Process, seen map[int32]bool, depth int, fn func(*process.Process)) {
	if depth >= maxTreeDepth {
		return
	}
	children, err := p.Children()
	if err != nil {
		return
	}
	for _, c := range children {
		if seen[c.Pid] {
			continue
		}
		seen[c.Pid] = true
		fn(c)
		walkChildren(c, seen, depth+1, fn)
	}
}

// Last returns the most recent sample, or nil.
func (s *ChildSampler) Last() *ChildSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *ChildSampler) apply(c *ChildSample) {
	s.mu.Lock()
	s.last = c
	s.mu.Unlock()
	s.cpu.Set(c.CPUPercent)
	s.rss.Set(float64(c.MemoryRSS))
	s.threads.Set(float64(c.NumThreads))
	s.fds.Set(float64(c.NumFDs))
	s.procs.Set(float64(c.Processes))
}

func (s *ChildSampler) reset() {
	s.cpu.Set(0)
	s.rss.Set(0)
	s.threads.Set(0)
	s.fds.Set(0)
	s.procs.Set(0)
}

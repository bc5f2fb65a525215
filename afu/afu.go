// File: afu/afu.go
// Package afu
// License: Apache-2.0
//
// Simulated accelerator: job-control state machine, register dispatcher and
// command/response router. An AFU is driven by a single goroutine; it holds no
// locks of its own.

package afu

import (
	"log"
	"sort"

	"github.com/helenaps/pslse/api"
	"github.com/helenaps/pslse/protocol"
)

// State is the job-control state.
type State int

const (
	StateIdle State = iota
	StateReset
	StateReady
	StateRunning
	StateWaiting // waiting for last responses
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateReset:
		return "RESET"
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateWaiting:
		return "WAITING_FOR_LAST_RESPONSES"
	default:
		return "UNKNOWN"
	}
}

// Job control codes.
const (
	JobReset uint8 = 0x80
	JobStart uint8 = 0x90
	JobLLCmd uint8 = 0x45
)

// LLCMD sub-codes, selected by LLCmdMask on the job address.
const (
	LLCmdMask      uint64 = 0xFFFF000000000000
	LLCmdTerminate uint64 = 0x0001000000000000
	LLCmdRemove    uint64 = 0x0002000000000000
	LLCmdAdd       uint64 = 0x0005000000000000
)

// DefaultResetDelay is the number of ticks spent in RESET.
const DefaultResetDelay = 1000

// JobEvent is a job-control request from the PSL.
type JobEvent struct {
	Code          uint8
	Address       uint64
	CodeParity    uint8
	AddressParity uint8
}

// Config wires an AFU to its collaborators.
type Config struct {
	Descriptor api.Descriptor
	Tags       api.TagPool
	NewMachine api.MachineFactory

	// ResetDelay overrides DefaultResetDelay when positive.
	ResetDelay int
	// Parity enables job code and address parity checks.
	Parity bool

	Logger *log.Logger
	Debug  bool
}

// AFU is the simulated accelerator.
type AFU struct {
	desc       api.Descriptor
	tags       api.TagPool
	newMachine api.MachineFactory
	parity     bool
	delay      int

	state      State
	running    bool
	jobDone    bool
	resetDelay int

	// global[1] mirrors the start address, global[2] holds parity-read mode.
	global [3]uint64

	machines map[uint16]api.CommandMachine
	favored  int // context id tried first, -1 for the lowest

	tick  uint64
	log   *log.Logger
	debug bool
}

// New builds an AFU in IDLE with its machines reset.
func New(cfg Config) *AFU {
	a := &AFU{
		desc:       cfg.Descriptor,
		tags:       cfg.Tags,
		newMachine: cfg.NewMachine,
		parity:     cfg.Parity,
		delay:      cfg.ResetDelay,
		log:        cfg.Logger,
		debug:      cfg.Debug,
		machines:   make(map[uint16]api.CommandMachine),
		favored:    -1,
	}
	if a.delay <= 0 {
		a.delay = DefaultResetDelay
	}
	if a.log == nil {
		a.log = log.Default()
	}
	a.state = StateIdle
	a.reset()
	return a
}

// State returns the job-control state.
func (a *AFU) State() State { return a.state }

// Running reports the job-running signal.
func (a *AFU) Running() bool { return a.running }

// JobDone reports the job-done pulse; it is true for one tick only.
func (a *AFU) JobDone() bool { return a.jobDone }

// Favored returns the context tried first on the next tick, or -1 when the
// lowest context goes first.
func (a *AFU) Favored() int { return a.favored }

// Ticks returns the number of ticks executed.
func (a *AFU) Ticks() uint64 { return a.tick }

// Contexts returns the context ids with a machine, in ascending order.
func (a *AFU) Contexts() []uint16 {
	ids := make([]uint16, 0, len(a.machines))
	for id := range a.machines {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Machine returns the machine of a context.
func (a *AFU) Machine(context uint16) (api.CommandMachine, bool) {
	m, ok := a.machines[context]
	return m, ok
}

func (a *AFU) debugf(format string, args ...any) {
	if a.debug {
		a.log.Printf("[afu] "+format, args...)
	}
}

func (a *AFU) reset() {
	a.global = [3]uint64{}
	a.resetDelay = 0
	a.resetMachines()
}

func (a *AFU) resetMachines() {
	if a.tags != nil {
		a.tags.Reset()
	}
	a.machines = make(map[uint16]api.CommandMachine)
	a.favored = -1
	if a.desc != nil && a.desc.IsDedicated() {
		a.machines[0] = a.newMachine(0)
	}
}

// HandleJob applies a job-control event.
func (a *AFU) HandleJob(ev JobEvent) error {
	if a.parity && ev.CodeParity != protocol.Parity(uint64(ev.Code), protocol.OddParity) {
		return api.Violation("parity error in job code 0x%02x", ev.Code).
			WithContext("state", a.state.String())
	}

	switch ev.Code {
	case JobReset:
		a.debugf("received RESET")
		a.running = false
		for _, m := range a.machines {
			m.DisableAll()
		}
		a.state = StateReset
		a.resetDelay = a.delay
		return nil

	case JobStart:
		a.debugf("start signal received in state %s", a.state)
		if a.state != StateReady {
			return api.Violation("start signal detected outside of READY state").
				WithContext("state", a.state.String())
		}
		if a.parity && ev.AddressParity != protocol.Parity(ev.Address, protocol.OddParity) {
			return api.Violation("parity error in job address 0x%x", ev.Address)
		}
		a.global[1] = ev.Address
		a.running = true
		a.state = StateRunning
		return nil

	case JobLLCmd:
		return a.llcmd(ev.Address)
	}
	return api.Violation("unsupported job code 0x%02x", ev.Code)
}

func (a *AFU) llcmd(addr uint64) error {
	ctx := uint16(addr & 0xFFFF)
	m, exists := a.machines[ctx]

	switch addr & LLCmdMask {
	case LLCmdAdd:
		if exists {
			return api.Violation("adding existing context %d", ctx)
		}
		a.machines[ctx] = a.newMachine(ctx)
		a.debugf("context %d added", ctx)
	case LLCmdTerminate:
		if !exists {
			return api.Violation("terminating non-existing context %d", ctx)
		}
		m.DisableAll()
		a.debugf("context %d terminated", ctx)
	case LLCmdRemove:
		if !exists {
			return api.Violation("removing non-existing context %d", ctx)
		}
		if !m.AllCompleted() {
			return api.Violation("removing context %d with commands still pending", ctx)
		}
		delete(a.machines, ctx)
		if a.favored == int(ctx) {
			a.favored = -1
		}
		a.debugf("context %d removed", ctx)
	default:
		return api.Violation("unsupported LLCMD 0x%016x", addr)
	}
	return nil
}

// SetCredits changes the number of tags the machines may hold. It must not
// be called while RUNNING.
func (a *AFU) SetCredits(n int) error {
	if a.state == StateRunning {
		return api.Violation("changing room while running")
	}
	a.tags.SetMaxCredits(n)
	return nil
}

// Tick advances the AFU by one cycle. Commands originated while RUNNING are
// issued to sink.
func (a *AFU) Tick(sink api.CommandSink) {
	a.tick++
	a.jobDone = false

	switch a.state {
	case StateRunning:
		a.originate(sink)
	case StateReset:
		if a.resetDelay > 0 {
			a.resetDelay--
			return
		}
		a.state = StateReady
		a.reset()
		a.jobDone = true
		a.debugf("job done after reset")
	case StateWaiting:
		for _, m := range a.machines {
			if !m.AllCompleted() {
				return
			}
		}
		a.debugf("machines completed")
		a.resetMachines()
		a.running = false
		a.jobDone = true
		a.state = StateIdle
	}
}

// originate gives every context one chance to send, starting with the
// favored one. The first sender moves the favored cursor past itself.
func (a *AFU) originate(sink api.CommandSink) {
	ids := a.Contexts()
	if len(ids) == 0 {
		return
	}
	start := 0
	if a.favored >= 0 {
		start = sort.Search(len(ids), func(i int) bool { return int(ids[i]) >= a.favored })
		if start == len(ids) {
			start = 0
		}
	}
	for n := 0; n < len(ids); n++ {
		i := (start + n) % len(ids)
		if a.machines[ids[i]].SendCommand(sink, a.tick) {
			a.debugf("context %d sent command", ids[i])
			a.favored = int(ids[(i+1)%len(ids)])
			return
		}
	}
}

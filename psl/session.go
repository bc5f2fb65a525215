// File: psl/session.go
// Package psl
// License: Apache-2.0

package psl

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net"
	"os"
	"time"

	"github.com/eapache/queue"
	"github.com/helenaps/pslse/afu"
	"github.com/helenaps/pslse/api"
	"github.com/helenaps/pslse/internal/descriptor"
	"github.com/helenaps/pslse/internal/tags"
	"github.com/helenaps/pslse/protocol"
	pkgerrors "github.com/pkg/errors"
)

// session bridges one client connection to one accelerator. It is driven by
// a single goroutine.
type session struct {
	cfg  *Config
	desc *descriptor.Store
	conn net.Conn
	r    *bufio.Reader
	log  *log.Logger

	afu  *afu.AFU
	pool *tags.Pool

	cmds *queue.Queue // api.Command awaiting execution
	mem  *api.Command // command waiting for MEM_SUCCESS or MEM_FAILURE

	progModel uint16
	irqsMin   uint16
	irqsMax   uint16
	granted   uint16

	opened    bool
	attached  bool
	detaching bool
	mapped    bool
	view      byte
	context   uint8
	mmioFlags uint32
	flagsSet  bool
}

func newSession(s *Server, conn net.Conn) *session {
	pool := tags.New(s.cfg.Credits)
	sess := &session{
		cfg:  s.cfg,
		desc: s.desc,
		conn: conn,
		r:    bufio.NewReader(conn),
		log:  s.log,
		pool: pool,
		cmds: queue.New(),
	}
	sess.afu = afu.New(afu.Config{
		Descriptor: s.desc,
		Tags:       pool,
		NewMachine: s.machines(pool),
		ResetDelay: s.cfg.ResetDelay,
		Parity:     s.cfg.Parity,
		Logger:     s.log,
		Debug:      s.cfg.Debug,
	})
	sess.irqsMin, sess.irqsMax = s.desc.IRQBounds()
	return sess
}

func (s *session) debugf(format string, args ...any) {
	if s.cfg.Debug {
		s.log.Printf("[psl] "+format, args...)
	}
}

// Issue queues a command originated by a machine.
func (s *session) Issue(cmd api.Command) bool {
	s.cmds.Add(cmd)
	s.debugf("queued %s tag %d context %d addr 0x%016x size %d", cmd.Kind, cmd.Tag, cmd.Context, cmd.Addr, cmd.Size)
	return true
}

// run serves the connection until the client leaves, ctx ends or the
// accelerator reports a violation.
func (s *session) run(ctx context.Context) error {
	version, err := protocol.ReadHandshake(s.r)
	if err != nil {
		return err
	}
	if version != protocol.Version {
		return pkgerrors.Wrapf(protocol.ErrBadHandshake, "client version %d, want %d", version, protocol.Version)
	}
	if err := protocol.WriteConnect(s.conn, protocol.AFUPosition(s.cfg.Major, s.cfg.Minor)); err != nil {
		return err
	}

	if err := s.afu.SetCredits(s.cfg.Credits); err != nil {
		return err
	}
	if err := s.reset(); err != nil {
		return err
	}
	if err := s.readDescriptor(); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := s.next()
		if err != nil {
			if errors.Is(err, api.ErrDisconnected) && !api.IsViolation(err) {
				s.debugf("client disconnected: %v", err)
				return nil
			}
			return err
		}
		if msg != nil {
			if err := s.dispatch(msg); err != nil {
				return err
			}
		}
		s.afu.Tick(s)
		if err := s.execute(); err != nil {
			return err
		}
		if err := s.finishDetach(); err != nil {
			return err
		}
	}
}

// next waits up to one tick for a client frame and decodes it. It returns a
// nil message when the tick elapses first.
func (s *session) next() (protocol.Message, error) {
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.Tick))
	if _, err := s.r.Peek(1); err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(api.ErrDisconnected, err.Error())
	}
	s.conn.SetReadDeadline(time.Time{})
	return protocol.ReadToServer(s.r, s.pendingRead())
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

func (s *session) pendingRead() int {
	if s.mem != nil && s.mem.Kind == api.CommandRead {
		return int(s.mem.Size)
	}
	return 0
}

func (s *session) send(m protocol.Message) error {
	return protocol.WriteMessage(s.conn, m)
}

// job sends a job-control event, with parity when enabled.
func (s *session) job(code uint8, addr uint64) error {
	ev := afu.JobEvent{Code: code, Address: addr}
	if s.cfg.Parity {
		ev.CodeParity = protocol.Parity(uint64(code), protocol.OddParity)
		ev.AddressParity = protocol.Parity(addr, protocol.OddParity)
	}
	return s.afu.HandleJob(ev)
}

// reset runs a RESET job to completion.
func (s *session) reset() error {
	if err := s.job(afu.JobReset, 0); err != nil {
		return err
	}
	for {
		s.afu.Tick(s)
		if s.afu.JobDone() {
			break
		}
	}
	s.cmds = queue.New()
	s.mem = nil
	s.debugf("reset complete after %d ticks", s.afu.Ticks())
	return nil
}

// readDescriptor reads the programming model through the descriptor space.
func (s *session) readDescriptor() error {
	ack, err := s.afu.HandleMMIO(afu.MMIOEvent{Read: true, Double: true, Descriptor: true})
	if err != nil {
		return err
	}
	if s.cfg.Parity && ack.Parity != protocol.Parity(ack.Data, protocol.OddParity) {
		return api.Violation("parity error reading descriptor 0x%016x", ack.Data)
	}
	s.progModel = uint16(ack.Data) & descriptor.ProgModelMask
	s.debugf("programming model 0x%04x", s.progModel)
	return nil
}

func (s *session) dispatch(m protocol.Message) error {
	switch v := m.(type) {
	case protocol.Query:
		return s.send(protocol.QueryReply{MinIRQs: s.irqsMin, MaxIRQs: s.irqsMax})
	case protocol.Open:
		return s.open(v)
	case protocol.MaxInt:
		return s.maxInt(v)
	case protocol.Attach:
		return s.attach(v)
	case protocol.Detach:
		return s.detach()
	case protocol.MMIOMap:
		return s.mmioMap(v)
	case protocol.MMIORead:
		return s.mmioRead(v)
	case protocol.MMIOWrite:
		return s.mmioWrite(v)
	case protocol.MemSuccess:
		return s.memoryDone(v.Data, true)
	case protocol.MemFailure:
		return s.memoryDone(nil, false)
	}
	return api.Violation("unhandled %s", m.Opcode())
}

func (s *session) open(m protocol.Open) error {
	if s.opened {
		return api.Violation("open on an open session")
	}
	if m.AFU != protocol.AFUID(s.cfg.Major, s.cfg.Minor) {
		return pkgerrors.Wrapf(api.ErrNoDevice, "open of afu 0x%02x", m.AFU)
	}
	switch m.Class {
	case 'd':
		if s.progModel&descriptor.ProgModelDedicated == 0 {
			return pkgerrors.Wrapf(api.ErrNoDevice, "dedicated open, model 0x%04x", s.progModel)
		}
	case 'm', 's':
		if s.progModel&descriptor.ProgModelDirected == 0 {
			return pkgerrors.Wrapf(api.ErrNoDevice, "directed open, model 0x%04x", s.progModel)
		}
	default:
		return api.Violation("open with class %q", m.Class)
	}
	s.opened = true
	s.view = m.Class
	s.context = 0
	s.granted = s.irqsMin
	s.debugf("opened view %c context %d", s.view, s.context)
	return s.send(protocol.OpenReply{Context: s.context})
}

func (s *session) maxInt(m protocol.MaxInt) error {
	n := m.Count
	if n < s.irqsMin {
		n = s.irqsMin
	}
	if n > s.irqsMax {
		n = s.irqsMax
	}
	s.granted = n
	return s.send(protocol.MaxIntReply{Count: n})
}

func (s *session) attach(m protocol.Attach) error {
	if !s.opened || s.attached {
		return api.Violation("attach in wrong state").
			WithContext("opened", s.opened).
			WithContext("attached", s.attached)
	}
	if err := s.reset(); err != nil {
		return err
	}
	if s.desc.IsDedicated() {
		if err := s.job(afu.JobStart, m.WED); err != nil {
			return err
		}
	} else {
		if err := s.job(afu.JobStart, 0); err != nil {
			return err
		}
		if err := s.job(afu.JobLLCmd, afu.LLCmdAdd|uint64(s.context)); err != nil {
			return err
		}
	}
	s.attached = true
	s.debugf("attached wed 0x%016x", m.WED)
	return s.send(protocol.AttachReply{})
}

// detach stops the context. The reply is sent by finishDetach once every
// outstanding command has completed.
func (s *session) detach() error {
	if !s.attached {
		return api.Violation("detach without attach")
	}
	if !s.desc.IsDedicated() {
		if err := s.job(afu.JobLLCmd, afu.LLCmdTerminate|uint64(s.context)); err != nil {
			return err
		}
	}
	s.detaching = true
	return nil
}

func (s *session) drained() bool {
	if s.mem != nil || s.cmds.Length() > 0 {
		return false
	}
	for _, id := range s.afu.Contexts() {
		if m, ok := s.afu.Machine(id); ok && !m.AllCompleted() {
			return false
		}
	}
	return true
}

func (s *session) finishDetach() error {
	if !s.detaching || !s.drained() {
		return nil
	}
	if s.desc.IsDedicated() {
		if err := s.reset(); err != nil {
			return err
		}
	} else if err := s.job(afu.JobLLCmd, afu.LLCmdRemove|uint64(s.context)); err != nil {
		return err
	}
	s.detaching = false
	s.attached = false
	s.mapped = false
	s.debugf("detached context %d", s.context)
	return s.send(protocol.Detach{})
}

func (s *session) mmioMap(m protocol.MMIOMap) error {
	if !s.attached || !s.desc.PSARequired() {
		s.debugf("mmio map refused: attached %t", s.attached)
		return s.send(protocol.MMIOFail{})
	}
	flags := m.Flags & protocol.MMIOFlagsMask
	if s.flagsSet && flags != s.mmioFlags {
		s.debugf("mmio map refused: flags 0x%x after 0x%x", flags, s.mmioFlags)
		return s.send(protocol.MMIOFail{})
	}
	s.mmioFlags, s.flagsSet = flags, true
	s.mapped = true
	return s.send(protocol.MMIOAck{})
}

// wordAddress converts a problem state byte offset into a register word
// address. Only the master view addresses the whole space.
func (s *session) wordAddress(offset uint32) uint32 {
	word := offset >> 2
	if s.view == 'm' {
		return word
	}
	return afu.ContextWindow(uint16(s.context)) + word
}

func (s *session) mmioReady() bool {
	return s.attached && s.mapped && !s.detaching
}

func (s *session) mmioRead(m protocol.MMIORead) error {
	if !s.mmioReady() {
		return s.send(protocol.MMIOFail{})
	}
	ack, err := s.afu.HandleMMIO(afu.MMIOEvent{Read: true, Double: m.Double, Address: s.wordAddress(m.Offset)})
	if err != nil {
		return err
	}
	if s.cfg.Parity && ack.Parity != protocol.Parity(ack.Data, protocol.OddParity) {
		s.log.Printf("[psl] mmio read parity error at offset 0x%x", m.Offset)
	}
	width := 4
	if m.Double {
		width = 8
	}
	return s.send(protocol.MMIOAck{Width: width, Value: ack.Data})
}

func (s *session) mmioWrite(m protocol.MMIOWrite) error {
	if !s.mmioReady() {
		return s.send(protocol.MMIOFail{})
	}
	data := m.Value
	if !m.Double {
		data = data&0xFFFFFFFF | data<<32
	}
	if _, err := s.afu.HandleMMIO(afu.MMIOEvent{Double: m.Double, Address: s.wordAddress(m.Offset), Data: data}); err != nil {
		return err
	}
	return s.send(protocol.MMIOAck{})
}

// execute starts the next queued command once the previous memory request
// has been answered.
func (s *session) execute() error {
	for s.mem == nil && s.cmds.Length() > 0 {
		cmd := s.cmds.Remove().(api.Command)
		switch cmd.Kind {
		case api.CommandRead:
			s.mem = &cmd
			return s.send(protocol.MemoryRead{Size: cmd.Size, Addr: cmd.Addr})

		case api.CommandWrite:
			data, err := s.afu.HandleBufferRead(api.BufferEvent{Tag: cmd.Tag})
			if err != nil {
				return err
			}
			s.mem = &cmd
			return s.send(protocol.MemoryWrite{Addr: cmd.Addr, Data: data})

		case api.CommandTouch:
			s.mem = &cmd
			return s.send(protocol.MemoryTouch{Size: cmd.Size, Addr: cmd.Addr})

		case api.CommandInterrupt:
			code := api.ResponseDone
			if cmd.IRQ == 0 || cmd.IRQ > s.granted {
				s.debugf("interrupt %d outside 1..%d", cmd.IRQ, s.granted)
				code = api.ResponseAError
			} else if err := s.send(protocol.Interrupt{IRQ: cmd.IRQ}); err != nil {
				return err
			}
			if err := s.afu.HandleResponse(api.ResponseEvent{Tag: cmd.Tag, Code: code}); err != nil {
				return err
			}

		default:
			if err := s.afu.HandleResponse(api.ResponseEvent{Tag: cmd.Tag, Code: api.ResponseFailed}); err != nil {
				return err
			}
		}
	}
	return nil
}

// memoryDone completes the command waiting on the client.
func (s *session) memoryDone(data []byte, ok bool) error {
	if s.mem == nil {
		return api.Violation("memory reply without request")
	}
	cmd := *s.mem
	s.mem = nil

	if !ok {
		s.debugf("%s of 0x%016x faulted", cmd.Kind, cmd.Addr)
		return s.afu.HandleResponse(api.ResponseEvent{Tag: cmd.Tag, Code: api.ResponseFault})
	}
	if cmd.Kind == api.CommandRead {
		if err := s.afu.HandleBufferWrite(api.BufferEvent{Tag: cmd.Tag, Data: data}); err != nil {
			return err
		}
	}
	return s.afu.HandleResponse(api.ResponseEvent{Tag: cmd.Tag, Code: api.ResponseDone})
}

// File: client/afu.go
// Package client
// License: Apache-2.0
//
// Client session engine. An AFU handle owns one connection to the
// simulator; a background poller sends queued requests, decodes replies and
// serves the accelerator's memory accesses while callers block on their
// request slot.

package client

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/helenaps/pslse/api"
	"github.com/helenaps/pslse/internal/transport"
	"github.com/helenaps/pslse/protocol"
	"github.com/pkg/errors"
)

// API versions reported to callers.
const (
	APIVersion           = 1
	APIVersionCompatible = 1
)

// Sentinel values returned by reads that fail after reaching the wire.
const (
	Sentinel32 uint32 = 0xFEEDB00F
	Sentinel64 uint64 = 0xFEEDB00FFEEDB00F
)

// View selects how a context is opened.
type View byte

const (
	ViewDedicated View = 'd'
	ViewMaster    View = 'm'
	ViewSlave     View = 's'
)

func (v View) valid() bool {
	return v == ViewDedicated || v == ViewMaster || v == ViewSlave
}

// AFU is an open accelerator session.
type AFU struct {
	cfg       Config
	conn      net.Conn
	r         *bufio.Reader
	mem       api.Memory
	log       *log.Logger
	sessionID uuid.UUID

	major, minor uint8
	view         View
	afuMap       uint16

	writeMu sync.Mutex

	mu       sync.Mutex
	opened   bool
	attached bool
	mapped   bool
	context  uint8
	irqsMin  uint16
	irqsMax  uint16
	dsi      *api.Event
	irq      *api.Event

	openReq   request
	attachReq request
	intReq    request
	mmioReq   request

	eventReady chan struct{}
	notify     chan api.EventType
	detached   chan struct{}
	done       chan struct{} // closed when the poller exits

	closeOnce sync.Once
}

// ParsePath extracts the accelerator position and view from a device path
// such as /dev/cxl/afu0.0d.
func ParsePath(path string) (major, minor uint8, view View, err error) {
	name := filepath.Base(path)
	if len(name) != 7 || name[:3] != "afu" || name[4] != '.' {
		return 0, 0, 0, errors.Wrapf(api.ErrNoDevice, "invalid device path %q", path)
	}
	if name[3] < '0' || name[3] > '3' {
		return 0, 0, 0, errors.Wrapf(api.ErrNoDevice, "invalid afu major %c", name[3])
	}
	if name[5] < '0' || name[5] > '3' {
		return 0, 0, 0, errors.Wrapf(api.ErrNoDevice, "invalid afu minor %c", name[5])
	}
	view = View(name[6])
	if !view.valid() {
		return 0, 0, 0, errors.Wrapf(api.ErrNoDevice, "invalid view %c", name[6])
	}
	return name[3] - '0', name[5] - '0', view, nil
}

// Open opens the accelerator named by a device path.
func Open(ctx context.Context, path string, opts ...Option) (*AFU, error) {
	major, minor, view, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	return OpenDevice(ctx, major, minor, view, opts...)
}

// OpenDevice connects to the simulator and opens a context on accelerator
// major.minor. Every failure is reported as api.ErrNoDevice.
func OpenDevice(ctx context.Context, major, minor uint8, view View, opts ...Option) (*AFU, error) {
	if major > 3 || minor > 3 || !view.valid() {
		return nil, errors.Wrapf(api.ErrNoDevice, "afu%d.%d%c", major, minor, view)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	var cfg Config
	if o.cfg != nil {
		cfg = *o.cfg
	} else {
		var err error
		if cfg, err = LoadConfig(o.configPath); err != nil {
			return nil, errors.Wrap(api.ErrNoDevice, err.Error())
		}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if o.dial == nil {
		o.dial = transport.Dial
	}
	if o.mem == nil {
		o.mem = defaultMemory()
	}
	if o.logger == nil {
		o.logger = log.Default()
	}

	conn, err := o.dial(ctx, cfg.Address())
	if err != nil {
		return nil, errors.Wrap(api.ErrNoDevice, err.Error())
	}

	a := &AFU{
		cfg:        cfg,
		conn:       conn,
		r:          bufio.NewReader(conn),
		mem:        o.mem,
		log:        o.logger,
		sessionID:  uuid.New(),
		major:      major,
		minor:      minor,
		view:       view,
		eventReady: make(chan struct{}, 1),
		notify:     make(chan api.EventType, 2),
		detached:   make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	if err := a.connect(ctx); err != nil {
		conn.Close()
		return nil, errors.Wrap(api.ErrNoDevice, err.Error())
	}

	a.opened = true
	done, err := a.openReq.submit(protocol.Open{Class: byte(view), AFU: protocol.AFUID(major, minor)}, 0)
	if err != nil {
		conn.Close()
		return nil, err
	}
	go a.poll()

	ctxID, err := wait(ctx, done, cfg.RequestTimeout)
	if err == nil && !a.Opened() {
		err = errors.New("session closed during open")
	}
	if err != nil {
		a.shutdownConn()
		return nil, errors.Wrap(api.ErrNoDevice, err.Error())
	}
	a.debugf("session %s opened %s context %d", a.sessionID, a.ID(), ctxID)
	return a, nil
}

// connect performs the handshake and sends the interrupt query.
func (a *AFU) connect(ctx context.Context) error {
	if dl, ok := ctx.Deadline(); ok {
		a.conn.SetDeadline(dl)
		defer a.conn.SetDeadline(time.Time{})
	} else if a.cfg.RequestTimeout > 0 {
		a.conn.SetDeadline(time.Now().Add(a.cfg.RequestTimeout))
		defer a.conn.SetDeadline(time.Time{})
	}

	if err := protocol.WriteHandshake(a.conn, protocol.Version); err != nil {
		return err
	}
	afuMap, err := protocol.ReadConnect(a.r)
	if err != nil {
		return err
	}
	a.afuMap = afuMap
	pos := protocol.AFUPosition(a.major, a.minor)
	if afuMap&pos != pos {
		return errors.Errorf("afu%d.%d not in system (map 0x%04x)", a.major, a.minor, afuMap)
	}
	return a.send(protocol.Query{AFU: protocol.AFUID(a.major, a.minor)})
}

func (a *AFU) send(m protocol.Message) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return protocol.WriteMessage(a.conn, m)
}

func (a *AFU) debugf(format string, args ...any) {
	if a.cfg.Debug {
		a.log.Printf("[client] "+format, args...)
	}
}

// shutdownConn closes the connection and waits for the poller.
func (a *AFU) shutdownConn() {
	a.conn.Close()
	<-a.done
}

// Attach starts the accelerator with a work element descriptor.
func (a *AFU) Attach(ctx context.Context, wed uint64) error {
	a.mu.Lock()
	opened, attached := a.opened, a.attached
	a.mu.Unlock()
	if !opened {
		return errors.Wrap(api.ErrNoDevice, "attach: afu not open")
	}
	if attached {
		return errors.Wrap(api.ErrNoDevice, "attach: already attached")
	}

	done, err := a.attachReq.submit(protocol.Attach{WED: wed}, 0)
	if err != nil {
		return err
	}
	if _, err := wait(ctx, done, a.cfg.RequestTimeout); err != nil {
		return err
	}
	if !a.Attached() {
		return errors.Wrap(api.ErrNoDevice, "attach: session closed")
	}
	return nil
}

// AttachFull negotiates the interrupt count before attaching. amr is
// accepted for interface parity and not sent.
func (a *AFU) AttachFull(ctx context.Context, wed uint64, numInterrupts uint16, amr uint64) error {
	a.mu.Lock()
	opened, attached := a.opened, a.attached
	a.mu.Unlock()
	if !opened || attached {
		return errors.Wrap(api.ErrNoDevice, "attach: afu not open or already attached")
	}

	done, err := a.intReq.submit(protocol.MaxInt{Count: numInterrupts}, 0)
	if err != nil {
		return err
	}
	if _, err := wait(ctx, done, a.cfg.RequestTimeout); err != nil {
		return err
	}
	return a.Attach(ctx, wed)
}

// MapMMIO maps the problem state area. flags may only hold the endianness
// bits in protocol.MMIOFlagsMask.
func (a *AFU) MapMMIO(ctx context.Context, flags uint32) error {
	a.mu.Lock()
	opened, attached := a.opened, a.attached
	a.mu.Unlock()
	if !opened || !attached {
		return errors.Wrap(api.ErrNoDevice, "mmio map: afu not attached")
	}
	if flags&^protocol.MMIOFlagsMask != 0 {
		return errors.Wrapf(api.ErrInvalidArgument, "mmio map flags 0x%x", flags)
	}

	done, err := a.mmioReq.submit(protocol.MMIOMap{Flags: flags}, 0)
	if err != nil {
		return err
	}
	if _, err := wait(ctx, done, a.cfg.RequestTimeout); err != nil {
		return err
	}
	a.mu.Lock()
	a.mapped = a.opened
	mapped := a.mapped
	a.mu.Unlock()
	if !mapped {
		return errors.Wrap(api.ErrNoDevice, "mmio map: session closed")
	}
	return nil
}

// UnmapMMIO forgets the mapping.
func (a *AFU) UnmapMMIO() {
	a.mu.Lock()
	a.mapped = false
	a.mu.Unlock()
}

// mmio runs one register access. sent reports whether the request was
// queued for the wire; failures before that leave the caller's value alone.
func (a *AFU) mmio(ctx context.Context, offset uint64, m func(off uint32) protocol.Message, width int) (v uint64, sent bool, err error) {
	if offset&0x7 != 0 || offset > 0xFFFFFFFF {
		return 0, false, errors.Wrapf(api.ErrInvalidArgument, "mmio offset 0x%x", offset)
	}
	if !a.Mapped() {
		return 0, false, errors.Wrap(api.ErrNoDevice, "mmio: not mapped")
	}
	done, err := a.mmioReq.submit(m(uint32(offset)), width)
	if err != nil {
		return 0, false, err
	}
	v, err = wait(ctx, done, a.cfg.RequestTimeout)
	if err != nil {
		return 0, true, err
	}
	if !a.Opened() {
		return 0, true, errors.Wrap(api.ErrNoDevice, "mmio: session closed")
	}
	return v, true, nil
}

// Read64 reads a 64-bit register. offset must be a multiple of 8.
func (a *AFU) Read64(ctx context.Context, offset uint64) (uint64, error) {
	v, sent, err := a.mmio(ctx, offset, func(off uint32) protocol.Message {
		return protocol.MMIORead{Double: true, Offset: off}
	}, 8)
	if sent && err != nil {
		return Sentinel64, err
	}
	return v, err
}

// Read32 reads a 32-bit register. offset must be a multiple of 8.
func (a *AFU) Read32(ctx context.Context, offset uint64) (uint32, error) {
	v, sent, err := a.mmio(ctx, offset, func(off uint32) protocol.Message {
		return protocol.MMIORead{Offset: off}
	}, 4)
	if sent && err != nil {
		return Sentinel32, err
	}
	return uint32(v), err
}

// Write64 writes a 64-bit register. offset must be a multiple of 8.
func (a *AFU) Write64(ctx context.Context, offset, value uint64) error {
	_, _, err := a.mmio(ctx, offset, func(off uint32) protocol.Message {
		return protocol.MMIOWrite{Double: true, Offset: off, Value: value}
	}, 0)
	return err
}

// Write32 writes a 32-bit register. offset must be a multiple of 8.
func (a *AFU) Write32(ctx context.Context, offset uint64, value uint32) error {
	_, _, err := a.mmio(ctx, offset, func(off uint32) protocol.Message {
		return protocol.MMIOWrite{Offset: off, Value: uint64(value)}
	}, 0)
	return err
}

// Close detaches if attached, closes the connection and waits for the
// poller to exit.
func (a *AFU) Close() error {
	a.closeOnce.Do(func() {
		if a.Attached() {
			if err := a.send(protocol.Detach{}); err == nil {
				a.waitDetached()
			}
		}
		a.shutdownConn()
		a.debugf("session %s closed", a.sessionID)
	})
	return nil
}

func (a *AFU) waitDetached() {
	var expired <-chan time.Time
	if a.cfg.RequestTimeout > 0 {
		t := time.NewTimer(a.cfg.RequestTimeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-a.detached:
	case <-a.done:
	case <-expired:
		a.log.Printf("[client] no detach acknowledgement within %s", a.cfg.RequestTimeout)
	}
}

// Done is closed when the session has ended and the poller exited.
func (a *AFU) Done() <-chan struct{} { return a.done }

func (a *AFU) Opened() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opened
}

func (a *AFU) Attached() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attached
}

func (a *AFU) Mapped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mapped
}

// ContextID returns the context assigned at open.
func (a *AFU) ContextID() uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.context
}

// IRQsMin returns the minimum interrupt count reported by the simulator.
func (a *AFU) IRQsMin() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.irqsMin
}

// IRQsMax returns the maximum, or the negotiated, interrupt count.
func (a *AFU) IRQsMax() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.irqsMax
}

func (a *AFU) APIVersion() int           { return APIVersion }
func (a *AFU) APIVersionCompatible() int { return APIVersionCompatible }

// ID returns the device name, afuM.N.
func (a *AFU) ID() string { return fmt.Sprintf("afu%d.%d", a.major, a.minor) }

// View returns the view the context was opened with.
func (a *AFU) View() View { return a.view }

// SessionID identifies this session in logs.
func (a *AFU) SessionID() string { return a.sessionID.String() }

package client

import (
	"context"
	"encoding/binary"
	"io"
	"log"
	"net"
	"testing"
	"time"

	"github.com/helenaps/pslse/api"
	"github.com/helenaps/pslse/fake"
	"github.com/helenaps/pslse/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = log.New(io.Discard, "", 0)

// scripted plays the simulator side of a connection from the test
// goroutine.
type scripted struct {
	t    *testing.T
	conn net.Conn
}

func (s *scripted) expect(pendingRead int) protocol.Message {
	s.t.Helper()
	s.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	m, err := protocol.ReadToServer(s.conn, pendingRead)
	require.NoError(s.t, err)
	return m
}

func (s *scripted) reply(m protocol.Message) {
	s.t.Helper()
	require.NoError(s.t, protocol.WriteMessage(s.conn, m))
}

func testConfig(ln net.Listener) Config {
	addr := ln.Addr().(*net.TCPAddr)
	cfg := DefaultConfig()
	cfg.Host = addr.IP.String()
	cfg.Port = addr.Port
	cfg.RequestTimeout = 5 * time.Second
	return cfg
}

// openScripted opens a dedicated session against a scripted server that
// grants context 2 and 1..8 interrupts.
func openScripted(t *testing.T, opts ...Option) (*AFU, *scripted, *fake.Memory) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	mem := fake.NewMemory()
	base := []Option{WithConfig(testConfig(ln)), WithLogger(quiet), WithMemory(mem)}

	type opened struct {
		afu *AFU
		err error
	}
	res := make(chan opened, 1)
	go func() {
		a, err := OpenDevice(context.Background(), 0, 0, ViewDedicated, append(base, opts...)...)
		res <- opened{a, err}
	}()

	conn, err := ln.Accept()
	require.NoError(t, err)
	s := &scripted{t: t, conn: conn}

	version, err := protocol.ReadHandshake(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.Version, version)
	require.NoError(t, protocol.WriteConnect(conn, protocol.AFUPosition(0, 0)))
	assert.Equal(t, protocol.Query{AFU: 0}, s.expect(0))
	s.reply(protocol.QueryReply{MinIRQs: 1, MaxIRQs: 8})
	assert.Equal(t, protocol.Open{Class: 'd', AFU: 0}, s.expect(0))
	s.reply(protocol.OpenReply{Context: 2})

	r := <-res
	require.NoError(t, r.err)
	t.Cleanup(func() {
		conn.Close()
		r.afu.Close()
	})
	return r.afu, s, mem
}

func attachScripted(t *testing.T, a *AFU, s *scripted) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- a.Attach(context.Background(), 0x1000) }()
	assert.Equal(t, protocol.Attach{WED: 0x1000}, s.expect(0))
	s.reply(protocol.AttachReply{})
	require.NoError(t, <-errc)

	go func() { errc <- a.MapMMIO(context.Background(), 0) }()
	assert.Equal(t, protocol.MMIOMap{Flags: 0}, s.expect(0))
	s.reply(protocol.MMIOAck{})
	require.NoError(t, <-errc)
}

func TestOpenReportsSession(t *testing.T) {
	a, _, _ := openScripted(t)
	assert.True(t, a.Opened())
	assert.False(t, a.Attached())
	assert.Equal(t, uint8(2), a.ContextID())
	assert.Equal(t, "afu0.0", a.ID())
	assert.Equal(t, ViewDedicated, a.View())
	assert.Equal(t, APIVersion, a.APIVersion())
	assert.NotEmpty(t, a.SessionID())
	assert.Eventually(t, func() bool { return a.IRQsMax() == 8 }, time.Second, time.Millisecond)
	assert.Equal(t, uint16(1), a.IRQsMin())
}

func TestOpenFailures(t *testing.T) {
	t.Run("nothing listening", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		cfg := testConfig(ln)
		ln.Close()
		_, err = OpenDevice(context.Background(), 0, 0, ViewDedicated, WithConfig(cfg), WithLogger(quiet))
		assert.ErrorIs(t, err, api.ErrNoDevice)
	})

	t.Run("accelerator not hosted", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()
		go func() {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close()
			protocol.ReadHandshake(c)
			protocol.WriteConnect(c, protocol.AFUPosition(1, 0))
			io.Copy(io.Discard, c)
		}()
		_, err = OpenDevice(context.Background(), 0, 0, ViewDedicated, WithConfig(testConfig(ln)), WithLogger(quiet))
		assert.ErrorIs(t, err, api.ErrNoDevice)
	})

	t.Run("bad path", func(t *testing.T) {
		_, err := Open(context.Background(), "/dev/cxl/afu9.9d")
		assert.ErrorIs(t, err, api.ErrNoDevice)
	})
}

// recordingDial wraps the session's connection in a fake.Conn stored in
// *conn.
func recordingDial(conn **fake.Conn) Option {
	return WithDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, err
		}
		*conn = fake.NewConn(c)
		return *conn, nil
	})
}

func TestMMIOOffsetMustBeAligned(t *testing.T) {
	var conn *fake.Conn
	a, s, _ := openScripted(t, recordingDial(&conn))
	attachScripted(t, a, s)

	before := conn.BytesWritten()
	ctx := context.Background()
	for _, off := range []uint64{1, 4, 7, 0x100000000} {
		_, err := a.Read64(ctx, off)
		assert.ErrorIs(t, err, api.ErrInvalidArgument)
		_, err = a.Read32(ctx, off)
		assert.ErrorIs(t, err, api.ErrInvalidArgument)
		assert.ErrorIs(t, a.Write64(ctx, off, 1), api.ErrInvalidArgument)
		assert.ErrorIs(t, a.Write32(ctx, off, 1), api.ErrInvalidArgument)
	}
	assert.Equal(t, before, conn.BytesWritten())
}

func TestMMIORequiresMapping(t *testing.T) {
	a, _, _ := openScripted(t)
	// Rejected locally, so the sentinel is not returned.
	v, err := a.Read64(context.Background(), 0)
	assert.ErrorIs(t, err, api.ErrNoDevice)
	assert.Zero(t, v)
	v32, err := a.Read32(context.Background(), 0)
	assert.ErrorIs(t, err, api.ErrNoDevice)
	assert.Zero(t, v32)

	assert.ErrorIs(t, a.MapMMIO(context.Background(), 0), api.ErrNoDevice)
}

func TestMapMMIORejectsFlags(t *testing.T) {
	a, s, _ := openScripted(t)
	attachScripted(t, a, s)
	assert.ErrorIs(t, a.MapMMIO(context.Background(), 0x4), api.ErrInvalidArgument)
}

func TestMMIORoundTrip(t *testing.T) {
	a, s, _ := openScripted(t)
	attachScripted(t, a, s)
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() { errc <- a.Write32(ctx, 8, 0xCAFEF00D) }()
	assert.Equal(t, protocol.MMIOWrite{Offset: 8, Value: 0xCAFEF00D}, s.expect(0))
	s.reply(protocol.MMIOAck{})
	require.NoError(t, <-errc)

	type read struct {
		v   uint32
		err error
	}
	rc := make(chan read, 1)
	go func() {
		v, err := a.Read32(ctx, 8)
		rc <- read{v, err}
	}()
	assert.Equal(t, protocol.MMIORead{Offset: 8}, s.expect(0))
	s.reply(protocol.MMIOAck{Width: 4, Value: 0xCAFEF00D})
	r := <-rc
	require.NoError(t, r.err)
	assert.Equal(t, uint32(0xCAFEF00D), r.v)
}

func TestMMIOBusySlot(t *testing.T) {
	a, s, _ := openScripted(t)
	attachScripted(t, a, s)
	ctx := context.Background()

	type read struct {
		v   uint64
		err error
	}
	rc := make(chan read, 1)
	go func() {
		v, err := a.Read64(ctx, 0x10)
		rc <- read{v, err}
	}()
	assert.Equal(t, protocol.MMIORead{Double: true, Offset: 0x10}, s.expect(0))

	_, err := a.Read64(ctx, 0x18)
	assert.ErrorIs(t, err, api.ErrBusy)

	s.reply(protocol.MMIOAck{Width: 8, Value: 7})
	r := <-rc
	require.NoError(t, r.err)
	assert.Equal(t, uint64(7), r.v)
}

func TestMMIORejectedByServer(t *testing.T) {
	a, s, _ := openScripted(t)
	attachScripted(t, a, s)

	rc := make(chan error, 1)
	go func() {
		v, err := a.Read32(context.Background(), 0)
		assert.Equal(t, Sentinel32, v)
		rc <- err
	}()
	s.expect(0)
	s.reply(protocol.MMIOFail{})
	assert.ErrorIs(t, <-rc, api.ErrNoDevice)
}

func TestDisconnectDuringRead(t *testing.T) {
	a, s, _ := openScripted(t)
	attachScripted(t, a, s)

	type read struct {
		v   uint64
		err error
	}
	rc := make(chan read, 1)
	go func() {
		v, err := a.Read64(context.Background(), 0)
		rc <- read{v, err}
	}()
	s.expect(0)
	s.conn.Close()

	r := <-rc
	assert.ErrorIs(t, r.err, api.ErrNoDevice)
	assert.Equal(t, Sentinel64, r.v)
	<-a.Done()
	assert.False(t, a.Opened())
	assert.False(t, a.Attached())
	assert.False(t, a.Mapped())
}

func TestRequestTimeout(t *testing.T) {
	a, s, _ := openScripted(t)
	a.cfg.RequestTimeout = 50 * time.Millisecond

	err := a.Attach(context.Background(), 1)
	assert.ErrorIs(t, err, api.ErrTimeout)
	assert.Equal(t, protocol.Attach{WED: 1}, s.expect(0))

	_, err = a.ReadEvent(context.Background())
	assert.ErrorIs(t, err, api.ErrTimeout)
}

func TestAttachFull(t *testing.T) {
	a, s, _ := openScripted(t)

	errc := make(chan error, 1)
	go func() { errc <- a.AttachFull(context.Background(), 0x2000, 4, 0) }()
	assert.Equal(t, protocol.MaxInt{Count: 4}, s.expect(0))
	s.reply(protocol.MaxIntReply{Count: 4})
	assert.Equal(t, protocol.Attach{WED: 0x2000}, s.expect(0))
	s.reply(protocol.AttachReply{})
	require.NoError(t, <-errc)

	assert.True(t, a.Attached())
	assert.Equal(t, uint16(4), a.IRQsMax())
	assert.ErrorIs(t, a.Attach(context.Background(), 0), api.ErrNoDevice)
}

func TestCloseDetaches(t *testing.T) {
	a, s, _ := openScripted(t)
	attachScripted(t, a, s)

	done := make(chan struct{})
	go func() {
		a.Close()
		close(done)
	}()
	assert.Equal(t, protocol.Detach{}, s.expect(0))
	s.reply(protocol.Detach{})
	<-done

	assert.False(t, a.Attached())
	select {
	case <-a.Done():
	default:
		t.Fatal("poller still running after Close")
	}
	assert.NoError(t, a.Close())
}

func TestMemoryAccessServed(t *testing.T) {
	a, s, mem := openScripted(t)
	mem.Map(0x10000, fake.PageSize)

	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, 0x1122334455667788)
	s.reply(protocol.MemoryWrite{Addr: 0x10008, Data: data})
	assert.Equal(t, protocol.MemSuccess{}, s.expect(0))

	s.reply(protocol.MemoryRead{Size: 8, Addr: 0x10008})
	assert.Equal(t, protocol.MemSuccess{Data: data}, s.expect(8))

	s.reply(protocol.MemoryTouch{Size: 64, Addr: 0x10000})
	assert.Equal(t, protocol.MemSuccess{}, s.expect(0))
	assert.Equal(t, 0, a.PendingEvents())
}

func TestFaultsCollapse(t *testing.T) {
	a, s, mem := openScripted(t)
	mem.Map(0x10000, fake.PageSize)

	s.reply(protocol.MemoryRead{Size: 8, Addr: 0x20010})
	assert.Equal(t, protocol.MemFailure{}, s.expect(0))
	s.reply(protocol.MemoryTouch{Size: 8, Addr: 0x30000})
	assert.Equal(t, protocol.MemFailure{}, s.expect(0))
	assert.Equal(t, 1, a.PendingEvents())

	// A read straddling the end of the mapped page faults too.
	s.reply(protocol.MemoryRead{Size: 16, Addr: 0x10FF8})
	assert.Equal(t, protocol.MemFailure{}, s.expect(0))

	ev, err := a.ReadExpectedEvent(context.Background(), api.EventDataStorage, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x20000), ev.Addr)
	assert.Equal(t, api.DSISR, ev.DSISR)
	assert.Equal(t, uint16(2), ev.Context)
	assert.False(t, a.EventPending())
}

func TestFaultBeforeInterrupt(t *testing.T) {
	a, s, mem := openScripted(t)
	mem.Map(0x10000, fake.PageSize)

	s.reply(protocol.Interrupt{IRQ: 3})
	s.reply(protocol.Interrupt{IRQ: 4})
	s.reply(protocol.MemoryWrite{Addr: 0x50000, Data: []byte{1}})
	assert.Equal(t, protocol.MemFailure{}, s.expect(0))
	// The touch is served after both interrupts, so they have been queued.
	s.reply(protocol.MemoryTouch{Size: 1, Addr: 0x10000})
	assert.Equal(t, protocol.MemSuccess{}, s.expect(0))
	assert.Equal(t, 2, a.PendingEvents())

	ctx := context.Background()
	ev, err := a.ReadEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, api.EventDataStorage, ev.Type)
	assert.Equal(t, uint64(0x50000), ev.Addr)

	ev, err = a.ReadExpectedEvent(ctx, api.EventAFUInterrupt, 3)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), ev.IRQ)
	assert.Equal(t, 0, a.PendingEvents())
}

func TestReadExpectedEventMismatch(t *testing.T) {
	a, s, _ := openScripted(t)
	ctx := context.Background()

	s.reply(protocol.Interrupt{IRQ: 2})
	_, err := a.ReadExpectedEvent(ctx, api.EventAFUInterrupt, 1)
	assert.ErrorIs(t, err, api.ErrUnexpectedEvent)

	s.reply(protocol.Interrupt{IRQ: 1})
	_, err = a.ReadExpectedEvent(ctx, api.EventDataStorage, 0)
	assert.ErrorIs(t, err, api.ErrUnexpectedEvent)
}

func TestNotify(t *testing.T) {
	a, s, _ := openScripted(t)
	s.reply(protocol.Interrupt{IRQ: 1})
	select {
	case typ := <-a.Notify():
		assert.Equal(t, api.EventAFUInterrupt, typ)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification")
	}
}

func TestReadEventAfterClose(t *testing.T) {
	a, s, _ := openScripted(t)
	s.conn.Close()
	<-a.Done()

	_, err := a.ReadEvent(context.Background())
	assert.ErrorIs(t, err, api.ErrNoDevice)
}

func waitDone(t *testing.T, a *AFU) {
	t.Helper()
	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("poller still running")
	}
}

func TestSendFailureClosesSession(t *testing.T) {
	var conn *fake.Conn
	a, s, _ := openScripted(t, recordingDial(&conn))
	attachScripted(t, a, s)

	conn.ClearWrites()
	conn.SetWriteError(fake.ErrInjected)
	v, err := a.Read64(context.Background(), 0)
	assert.ErrorIs(t, err, api.ErrNoDevice)
	assert.Equal(t, Sentinel64, v)

	waitDone(t, a)
	assert.False(t, a.Opened())
	assert.False(t, a.Attached())
	assert.False(t, a.Mapped())
	assert.Empty(t, conn.Writes())

	_, err = a.Read64(context.Background(), 0)
	assert.ErrorIs(t, err, api.ErrNoDevice)
}

func TestMemoryReplyFailureClosesSession(t *testing.T) {
	var conn *fake.Conn
	a, s, mem := openScripted(t, recordingDial(&conn))
	attachScripted(t, a, s)
	mem.Map(0x10000, fake.PageSize)

	conn.ClearWrites()
	conn.SetWriteError(fake.ErrInjected)
	s.reply(protocol.MemoryRead{Size: 8, Addr: 0x10000})

	waitDone(t, a)
	assert.False(t, a.Opened())
	assert.False(t, a.Attached())
	assert.Empty(t, conn.Writes())

	_, err := a.ReadEvent(context.Background())
	assert.ErrorIs(t, err, api.ErrNoDevice)
}

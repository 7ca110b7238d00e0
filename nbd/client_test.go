package nbd

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var nextHandle uint64

func getHandle() uint64 {
	return atomic.AddUint64(&nextHandle, 1)
}

// testClient speaks just enough NBD to exercise the server
type testClient struct {
	t     *testing.T
	conn  net.Conn
	flags uint16 // transmission flags
}

func dial(t *testing.T, socket string) *testClient {
	t.Helper()
	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	tc := &testClient{t: t, conn: conn}
	var nsh NewStyleHeader
	tc.read(&nsh)
	require.Equal(t, uint64(NbdMagic), nsh.Magic)
	require.Equal(t, uint64(OptsMagic), nsh.OptsMagic)
	require.NotZero(t, nsh.GlobalFlags&FlagFixedNewstyle)
	tc.write(ClientFlags{Flags: FlagCFixedNewstyle | FlagCNoZeroes})
	return tc
}

func (tc *testClient) read(data any) {
	tc.t.Helper()
	require.NoError(tc.t, binary.Read(tc.conn, binary.BigEndian, data))
}

func (tc *testClient) write(data any) {
	tc.t.Helper()
	require.NoError(tc.t, binary.Write(tc.conn, binary.BigEndian, data))
}

func (tc *testClient) readOptReply(id uint32) OptReply {
	tc.t.Helper()
	var or OptReply
	tc.read(&or)
	require.Equal(tc.t, uint64(RepMagic), or.Magic)
	require.Equal(tc.t, id, or.ID)
	return or
}

// list sends NBD_OPT_LIST and returns the export names
func (tc *testClient) list() []string {
	tc.t.Helper()
	tc.write(ClientOpt{Magic: OptsMagic, ID: OptList})
	var names []string
	for {
		or := tc.readOptReply(OptList)
		if or.Type == RepAck {
			return names
		}
		require.Equal(tc.t, RepServer, or.Type)
		var l uint32
		tc.read(&l)
		name := make([]byte, l)
		_, err := io.ReadFull(tc.conn, name)
		require.NoError(tc.t, err)
		names = append(names, string(name))
	}
}

// option sends NBD_OPT_GO or NBD_OPT_INFO for name. It returns the export
// size and the final reply type.
func (tc *testClient) option(id uint32, name string) (uint64, uint32) {
	tc.t.Helper()
	tc.write(ClientOpt{Magic: OptsMagic, ID: id, Len: uint32(4 + len(name) + 2 + 2)})
	tc.write(uint32(len(name)))
	tc.write([]byte(name))
	tc.write(uint16(1))
	tc.write(uint16(NbdInfoBlockSize))
	var size uint64
	for {
		or := tc.readOptReply(id)
		if or.Type != RepInfo {
			return size, or.Type
		}
		payload := make([]byte, or.Length)
		_, err := io.ReadFull(tc.conn, payload)
		require.NoError(tc.t, err)
		if binary.BigEndian.Uint16(payload) == NbdInfoExport {
			size = binary.BigEndian.Uint64(payload[2:])
			tc.flags = binary.BigEndian.Uint16(payload[10:])
		}
	}
}

// transmit sends a request and reads the simple reply
func (tc *testClient) transmit(cmd, flags uint16, offset uint64, length uint32, data []byte) (uint32, []byte) {
	tc.t.Helper()
	handle := getHandle()
	tc.write(Request{
		Magic:        RequestMagic,
		CommandFlags: flags,
		CommandType:  cmd,
		Handle:       handle,
		Offset:       offset,
		Length:       length,
	})
	if data != nil {
		tc.write(data)
	}
	var rep Reply
	tc.read(&rep)
	require.Equal(tc.t, uint32(ReplyMagic), rep.Magic)
	require.Equal(tc.t, handle, rep.Handle)
	if cmd != CmdRead {
		return rep.Error, nil
	}
	buf := make([]byte, length)
	_, err := io.ReadFull(tc.conn, buf)
	require.NoError(tc.t, err)
	return rep.Error, buf
}

func (tc *testClient) disconnect() {
	tc.write(Request{Magic: RequestMagic, CommandType: CmdDisc, Handle: getHandle()})
}

// closed reports whether the server hung up on the client
func (tc *testClient) closed() bool {
	_ = tc.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var b [1]byte
	_, err := tc.conn.Read(b[:])
	return err == io.EOF || (err != nil && !isTimeout(err))
}

func isTimeout(err error) bool {
	nerr, ok := err.(net.Error)
	return ok && nerr.Timeout()
}

func pattern(n int, seed byte) []byte {
	return bytes.Repeat([]byte{seed, seed + 1, seed + 2, seed + 3}, n/4)
}

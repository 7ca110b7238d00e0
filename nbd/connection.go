package nbd

import (
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/context"
)

// DefaultWorkers is default number of workers
var DefaultWorkers = 5

// ConnectionParameters holds parameters for each inbound connection
type ConnectionParameters struct {
	ConnectionTimeout time.Duration // maximum time to complete negotiation
}

// Connection holds the details for each connection
type Connection struct {
	params             *ConnectionParameters // parameters
	conn               net.Conn              // the connection that is used as the NBD transport
	plainConn          net.Conn              // the unencrypted (original) connection
	tlsConn            net.Conn              // the TLS encrypted connection
	logger             *log.Logger           // a logger
	listener           *Listener             // the listener than invoked us
	export             *Export               // the export once negotiated
	wg                 sync.WaitGroup        // a waitgroup for the session; we mark this as done on exit
	rxCh               chan RequestReply     // a channel of requests that have been received, and need to be dispatched to a worker
	txCh               chan RequestReply     // a channel of outputs from the worker. By this time they have replies in that need to be transmitted
	name               string                // the name of the connection for logging purposes
	disconnectReceived int64                 // nonzero if disconnect has been received
	numInflight        int64                 // number of inflight requests

	killCh    chan struct{} // closed by workers to indicate a hard close is required
	killed    bool          // true if killCh closed already
	killMutex sync.Mutex    // protects killed

	closed chan struct{} // closed when Serve has returned

	debug bool // set for output of Tx and Rx packets
}

// RequestReply is an internal structure for propagating requests through the channels
type RequestReply struct {
	nbdReq  Request // the request in nbd format
	nbdRep  Reply   // the reply in nbd format
	length  uint64  // the checked length
	offset  uint64  // the checked offset
	reqData []byte  // request data (e.g. for a write)
	repData []byte  // reply data (e.g. for a read)
	flags   uint64  // our internal flag structure characterizing the request
}

// newConnection returns a new Connection object
func newConnection(listener *Listener, logger *log.Logger, conn net.Conn) *Connection {
	return &Connection{
		plainConn: conn,
		listener:  listener,
		logger:    logger,
		params: &ConnectionParameters{
			ConnectionTimeout: time.Second * 5,
		},
		killCh: make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// Kill kills a connection. This safely ensures the kill channel is closed if it isn't already, which will
// kill all the goroutines
func (c *Connection) Kill() {
	c.killMutex.Lock()
	defer c.killMutex.Unlock()
	if !c.killed {
		close(c.killCh)
		c.killed = true
	}
}

func (c *Connection) binaryRead(r io.Reader, order binary.ByteOrder, data any) error {
	err := binary.Read(r, order, data)
	if err != nil {
		c.logger.Printf("[DEBUG] binary read failed: %v", err)
		return err
	}
	if c.debug {
		c.logger.Printf("[DEBUG] Rx: %#v", data)
	}
	return nil
}

func (c *Connection) binaryWrite(w io.Writer, order binary.ByteOrder, data any) error {
	if c.debug {
		c.logger.Printf("[DEBUG] Tx: %#v", data)
	}
	err := binary.Write(w, order, data)
	if err != nil {
		c.logger.Printf("[DEBUG] binary write failed: %v", err)
		return err
	}
	return nil
}

// Receive is the goroutine that handles decoding connection data from the socket
func (c *Connection) Receive(ctx context.Context) {
	defer func() {
		c.logger.Printf("[DEBUG] Receiver exiting for %s", c.name)
		c.Kill()
		c.wg.Done()
	}()
	for {
		req := RequestReply{}
		if err := c.binaryRead(c.conn, binary.BigEndian, &req.nbdReq); err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				c.logger.Printf("[INFO] Client %s timeout, closing connection", c.name)
				return
			}
			if errors.Is(err, net.ErrClosed) {
				// Don't report this - we closed it
				return
			}
			if err == io.EOF {
				c.logger.Printf("[WARN] Client %s closed connection abruptly", c.name)
			} else {
				c.logger.Printf("[ERROR] Client %s could not read request: %s", c.name, err)
			}
			return
		}

		if req.nbdReq.Magic != RequestMagic {
			c.logger.Printf("[ERROR] Client %s had bad magic number in request", c.name)
			return
		}

		req.nbdRep = Reply{
			Magic:  ReplyMagic,
			Handle: req.nbdReq.Handle,
			Error:  0,
		}

		cmd := req.nbdReq.CommandType
		var ok bool
		if req.flags, ok = CmdTypeMap[int(cmd)]; !ok {
			c.logger.Printf("[ERROR] Client %s unknown command %d", c.name, cmd)
			return
		}

		if req.flags&CmdTSetDisconnectReceived != 0 {
			// no further commands may be processed once a disconnect has
			// been received, and workers could otherwise reorder them
			atomic.StoreInt64(&c.disconnectReceived, 1)
		}

		if req.flags&CmdTCheckLengthOffset != 0 {
			req.length = uint64(req.nbdReq.Length)
			req.offset = req.nbdReq.Offset
			if req.length == 0 || req.length+req.offset > c.export.size {
				c.logger.Printf("[ERROR] Client %s gave bad offset or length", c.name)
				return
			}
			if req.length&(c.export.minimumBlockSize-1) != 0 || req.offset&(c.export.minimumBlockSize-1) != 0 || req.length > c.export.maximumBlockSize {
				c.logger.Printf("[ERROR] Client %s gave offset or length outside blocksize parameters cmd=%d (len=%08x,off=%08x,minbs=%08x,maxbs=%08x)", c.name, req.nbdReq.CommandType, req.length, req.offset, c.export.minimumBlockSize, c.export.maximumBlockSize)
				return
			}
		}

		if req.flags&CmdTReqPayload != 0 {
			req.reqData = make([]byte, req.length)
			if _, err := io.ReadFull(c.conn, req.reqData); err != nil {
				if errors.Is(err, net.ErrClosed) {
					// Don't report this - we closed it
					return
				}
				c.logger.Printf("[ERROR] Client %s can not read data to write: %s", c.name, err)
				return
			}
		} else if req.flags&CmdTReqFakePayload != 0 {
			req.reqData = make([]byte, req.length)
		}

		if req.flags&CmdTRepPayload != 0 {
			req.repData = make([]byte, req.length)
		}

		atomic.AddInt64(&c.numInflight, 1) // one more in flight
		if req.flags&CmdTCheckNotReadOnly != 0 && c.export.readonly {
			req.nbdRep.Error = EPERM
			select {
			case c.txCh <- req:
			case <-ctx.Done():
				return
			}
		} else {
			select {
			case c.rxCh <- req:
			case <-ctx.Done():
				return
			}
		}
		// if we've received a disconnect, just sit waiting for the
		// context to indicate we've done
		if atomic.LoadInt64(&c.disconnectReceived) > 0 {
			<-ctx.Done()
			return
		}
	}
}

// Dispatch is the goroutine used to process received items, passing the reply to the transmit goroutine
//
// one of these is run for each worker
func (c *Connection) Dispatch(ctx context.Context, n int) {
	defer func() {
		c.logger.Printf("[DEBUG] Dispatcher %d exiting for %s", n, c.name)
		c.Kill()
		c.wg.Done()
	}()
	dev := c.export.device()
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-c.rxCh:
			if !ok {
				return
			}
			fua := req.nbdReq.CommandFlags&CmdFlagFua != 0

			addr := int64(req.offset)
			switch req.nbdReq.CommandType {
			case CmdRead:
				n, err := dev.ReadAt(ctx, req.repData, addr)
				if err != nil {
					clear(req.repData)
					c.logger.Printf("[WARN] Client %s got read I/O error: %s", c.name, err)
					req.nbdRep.Error = Error(err)
				} else if uint64(n) != req.length {
					clear(req.repData)
					c.logger.Printf("[WARN] Client %s got incomplete read (%d != %d) at offset %d", c.name, n, req.length, addr)
					req.nbdRep.Error = EIO
				}
			case CmdWrite, CmdWriteZeroes:
				n, err := dev.WriteAt(ctx, req.reqData, addr, fua)
				if err != nil {
					c.logger.Printf("[WARN] Client %s got write I/O error: %s", c.name, err)
					req.nbdRep.Error = Error(err)
				} else if uint64(n) != req.length {
					c.logger.Printf("[WARN] Client %s got incomplete write (%d != %d) at offset %d", c.name, n, req.length, addr)
					req.nbdRep.Error = EIO
				}
			case CmdFlush:
				if err := dev.Flush(ctx); err != nil {
					c.logger.Printf("[WARN] Client %s got flush I/O error: %s", c.name, err)
					req.nbdRep.Error = Error(err)
				}
			case CmdTrim:
				n, err := dev.TrimAt(ctx, int(req.length), addr)
				if err != nil {
					c.logger.Printf("[WARN] Client %s got trim I/O error: %s", c.name, err)
					req.nbdRep.Error = Error(err)
				} else if uint64(n) != req.length {
					c.logger.Printf("[WARN] Client %s got incomplete trim (%d != %d) at offset %d", c.name, n, req.length, addr)
					req.nbdRep.Error = EIO
				}
			case CmdDisc:
				c.waitForInflight(ctx, 1) // this request is itself in flight, so 1 is permissible
				_ = dev.Flush(ctx)
				c.logger.Printf("[INFO] Client %s requested disconnect", c.name)
				return
			case CmdClose:
				c.waitForInflight(ctx, 1) // this request is itself in flight, so 1 is permissible
				_ = dev.Flush(ctx)
				c.logger.Printf("[INFO] Client %s requested close", c.name)
				select {
				case c.txCh <- req:
				case <-ctx.Done():
				}
				c.waitForInflight(ctx, 0) // wait for this request to be no longer inflight (i.e. reply transmitted)
				c.logger.Printf("[INFO] Client %s close completed", c.name)
				return
			default:
				c.logger.Printf("[ERROR] Client %s sent unknown command %d", c.name, req.nbdReq.CommandType)
				return
			}
			select {
			case c.txCh <- req:
			case <-ctx.Done():
				return
			}
		}
	}
}

// waitForInflight polls until at most limit requests are in flight or the
// connection is going away
func (c *Connection) waitForInflight(ctx context.Context, limit int64) {
	c.logger.Printf("[INFO] Client %s waiting for inflight requests prior to disconnect", c.name)
	for atomic.LoadInt64(&c.numInflight) > limit {
		select {
		case <-ctx.Done():
			return
		case <-c.killCh:
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Transmit is the goroutine run to transmit the processed requests (now replies)
func (c *Connection) Transmit(ctx context.Context) {
	defer func() {
		c.logger.Printf("[DEBUG] Transmitter exiting for %s", c.name)
		c.Kill()
		c.wg.Done()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-c.txCh:
			if !ok {
				return
			}
			if err := c.binaryWrite(c.conn, binary.BigEndian, req.nbdRep); err != nil {
				c.logger.Printf("[ERROR] Client %s can not write reply", c.name)
				return
			}
			if req.flags&CmdTRepPayload != 0 {
				if n, err := c.conn.Write(req.repData); err != nil || uint64(n) != req.length {
					c.logger.Printf("[ERROR] Client %s can not write reply", c.name)
					return
				}
			}
			atomic.AddInt64(&c.numInflight, -1) // one less in flight
		}
	}
}

// Serve negotiates, then starts all the goroutines for processing a connection, then waits for them to be ended
func (c *Connection) Serve(parentCtx context.Context) {
	ctx, cancelFunc := context.WithCancel(parentCtx)

	c.rxCh = make(chan RequestReply, 1024)
	c.txCh = make(chan RequestReply, 1024)

	c.conn = c.plainConn
	c.name = c.plainConn.RemoteAddr().String()
	if c.name == "" || c.name == "@" {
		c.name = "[unknown]"
	}

	defer func() {
		if c.tlsConn != nil {
			_ = c.tlsConn.Close()
		}
		_ = c.plainConn.Close()
		cancelFunc()
		c.Kill() // to ensure the kill channel is closed
		c.wg.Wait()
		close(c.rxCh)
		close(c.txCh)
		if c.export != nil {
			c.listener.server.detach(c, c.export)
		}
		c.logger.Printf("[INFO] Closed connection from %s", c.name)
		close(c.closed)
	}()

	// a kill before negotiation completes ends the session too
	go func() {
		select {
		case <-c.killCh:
			_ = c.plainConn.SetDeadline(time.Now())
		case <-ctx.Done():
		}
	}()

	if err := c.Negotiate(ctx); err != nil {
		c.logger.Printf("[INFO] Negotiation failed with %s: %v", c.name, err)
		return
	}

	c.name = c.name + "/" + c.export.name

	workers := c.listener.config.Workers
	if workers < 1 {
		workers = DefaultWorkers
	}

	c.logger.Printf("[INFO] Negotiation succeeded with %s, serving with %d worker(s)", c.name, workers)

	c.wg.Add(2)
	go c.Receive(ctx)
	go c.Transmit(ctx)
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.Dispatch(ctx, i)
	}

	// Wait until either we are explicitly killed or one of our
	// workers dies
	select {
	case <-c.killCh:
		c.logger.Printf("[INFO] Worker forced close for %s", c.name)
	case <-ctx.Done():
		c.logger.Printf("[INFO] Parent forced close for %s", c.name)
	}
}

// skip bytes
func skip(r io.Reader, n uint32) error {
	for n > 0 {
		l := n
		if l > 1024 {
			l = 1024
		}
		b := make([]byte, l)
		if nr, err := io.ReadFull(r, b); err != nil {
			return err
		} else if nr != int(l) {
			return errors.New("skip returned short read")
		}
		n -= l
	}
	return nil
}

// writeOptReply sends an option reply header
func (c *Connection) writeOptReply(id, typ, length uint32) error {
	return c.binaryWrite(c.conn, binary.BigEndian, OptReply{
		Magic:  RepMagic,
		ID:     id,
		Type:   typ,
		Length: length,
	})
}

// writeInfo sends an NBD_REP_INFO carrying a string payload
func (c *Connection) writeInfo(id uint32, infoType uint16, payload []byte) error {
	if err := c.writeOptReply(id, RepInfo, uint32(2+len(payload))); err != nil {
		return err
	}
	if err := c.binaryWrite(c.conn, binary.BigEndian, infoType); err != nil {
		return err
	}
	return c.binaryWrite(c.conn, binary.BigEndian, payload)
}

// findExport looks name up. Exports a connection will transmit to are
// attached so that removing them kills the connection.
func (c *Connection) findExport(name string, attach bool) (*Export, error) {
	if name == "" {
		name = c.listener.config.DefaultExport
	}
	if attach {
		return c.listener.server.attach(c, name)
	}
	return c.listener.server.lookup(name)
}

// Negotiate negotiates a connection
func (c *Connection) Negotiate(ctx context.Context) error {
	err := c.conn.SetDeadline(time.Now().Add(c.params.ConnectionTimeout))
	if err != nil {
		return err
	}

	// We send a newstyle header
	nsh := NewStyleHeader{
		Magic:       NbdMagic,
		OptsMagic:   OptsMagic,
		GlobalFlags: FlagFixedNewstyle,
	}

	if !c.listener.config.DisableNoZeroes {
		nsh.GlobalFlags |= FlagNoZeroes
	}

	if err := c.binaryWrite(c.conn, binary.BigEndian, nsh); err != nil {
		return fmt.Errorf("can not write magic header: %w", err)
	}

	// next they send client flags
	var clf ClientFlags

	if err := c.binaryRead(c.conn, binary.BigEndian, &clf); err != nil {
		return fmt.Errorf("can not read client flags: %w", err)
	}

	done := false
	// now we get options
	for !done {
		var opt ClientOpt
		if err := c.binaryRead(c.conn, binary.BigEndian, &opt); err != nil {
			return fmt.Errorf("can not read option (perhaps client dropped the connection): %w", err)
		}
		if opt.Magic != OptsMagic {
			return errors.New("bad option magic")
		}
		if opt.Len > 65536 {
			return errors.New("option is too long")
		}
		switch opt.ID {
		case OptExportName, OptInfo, OptGo:
			var name []byte

			clientSupportsBlockSizeConstraints := false

			if opt.ID == OptExportName {
				name = make([]byte, opt.Len)
				n, err := io.ReadFull(c.conn, name)
				if err != nil {
					return err
				}
				if uint32(n) != opt.Len {
					return errors.New("incomplete name")
				}
			} else {
				var nameLength uint32
				if err := c.binaryRead(c.conn, binary.BigEndian, &nameLength); err != nil {
					return fmt.Errorf("bad export name length: %w", err)
				}
				if nameLength > 4096 {
					return errors.New("name is too long")
				}
				name = make([]byte, nameLength)
				n, err := io.ReadFull(c.conn, name)
				if err != nil {
					return err
				}
				if uint32(n) != nameLength {
					return errors.New("incomplete name")
				}
				var numInfoElements uint16
				if err := c.binaryRead(c.conn, binary.BigEndian, &numInfoElements); err != nil {
					return fmt.Errorf("bad number of info elements: %w", err)
				}
				for i := uint16(0); i < numInfoElements; i++ {
					var infoElement uint16
					if err := c.binaryRead(c.conn, binary.BigEndian, &infoElement); err != nil {
						return fmt.Errorf("bad number of info elements: %w", err)
					}
					switch infoElement {
					case NbdInfoBlockSize:
						clientSupportsBlockSizeConstraints = true
					}
				}
				l := 2 + 2*uint32(numInfoElements) + 4 + nameLength
				if opt.Len > l {
					if err := skip(c.conn, opt.Len-l); err != nil {
						return err
					}
				} else if opt.Len < l {
					return errors.New("option length too short")
				}
			}

			// Next find our export
			export, err := c.findExport(string(name), opt.ID != OptInfo)
			if err != nil {
				if opt.ID == OptExportName {
					// we have to just abort here
					return err
				}
				c.logger.Printf("[INFO] Client %s asked for unknown export %q", c.name, string(name))
				if err := c.writeOptReply(opt.ID, RepErrUnknown, 0); err != nil {
					return fmt.Errorf("can not send info error: %w", err)
				}
				break
			}
			// from here on an attached export is the connection's
			c.export = export

			if opt.ID == OptExportName {
				// this option has a unique reply format
				ed := ExportDetails{
					Size:  export.size,
					Flags: export.exportFlags,
				}
				if err := c.binaryWrite(c.conn, binary.BigEndian, ed); err != nil {
					return fmt.Errorf("can not write export details: %w", err)
				}
				if clf.Flags&FlagCNoZeroes == 0 {
					// send 124 bytes of zeroes.
					zeroes := make([]byte, 124)
					if err := c.binaryWrite(c.conn, binary.BigEndian, zeroes); err != nil {
						return fmt.Errorf("can not write zeroes: %w", err)
					}
				}
				done = true
				break
			}

			// Send NBD_INFO_EXPORT
			if err := c.writeOptReply(opt.ID, RepInfo, 12); err != nil {
				return fmt.Errorf("can not write info export pt1: %w", err)
			}
			ir := InfoExport{
				InfoType:          NbdInfoExport,
				ExportSize:        export.size,
				TransmissionFlags: export.exportFlags,
			}
			if err := c.binaryWrite(c.conn, binary.BigEndian, ir); err != nil {
				return fmt.Errorf("can not write info export pt2: %w", err)
			}

			if err := c.writeInfo(opt.ID, NbdInfoName, []byte(export.name)); err != nil {
				return fmt.Errorf("can not write info name: %w", err)
			}
			if err := c.writeInfo(opt.ID, NbdInfoDescription, []byte(export.description)); err != nil {
				return fmt.Errorf("can not write info description: %w", err)
			}

			// Send NBD_INFO_BLOCK_SIZE
			if err := c.writeOptReply(opt.ID, RepInfo, 14); err != nil {
				return fmt.Errorf("can not write info block size pt1: %w", err)
			}
			ir2 := InfoBlockSize{
				InfoType:           NbdInfoBlockSize,
				MinimumBlockSize:   uint32(export.minimumBlockSize),
				PreferredBlockSize: uint32(export.preferredBlockSize),
				MaximumBlockSize:   uint32(export.maximumBlockSize),
			}
			if err := c.binaryWrite(c.conn, binary.BigEndian, ir2); err != nil {
				return fmt.Errorf("can not write info block size pt2: %w", err)
			}

			replyType := RepAck

			if export.minimumBlockSize > 1 && !clientSupportsBlockSizeConstraints {
				c.logger.Printf("[ERROR] block size negotiation failed - need ndb-client -g to force NBD_OPT_EXPORT_NAME protocol")
				replyType = RepErrBlockSizeReqd
			}

			// Send ACK or error
			if err := c.writeOptReply(opt.ID, replyType, 0); err != nil {
				return fmt.Errorf("can not info ack: %w", err)
			}
			if opt.ID == OptInfo || replyType&RepFlagError != 0 {
				// not transmitting after all
				if opt.ID == OptGo {
					c.listener.server.detach(c, export)
				}
				c.export = nil
				break
			}
			done = true

		case OptList:
			for _, name := range c.listener.server.Exports() {
				b := []byte(name)
				if err := c.writeOptReply(opt.ID, RepServer, uint32(len(b)+4)); err != nil {
					return fmt.Errorf("can not send list item: %w", err)
				}
				if err := c.binaryWrite(c.conn, binary.BigEndian, uint32(len(b))); err != nil {
					return fmt.Errorf("can not send list name length: %w", err)
				}
				if n, err := c.conn.Write(b); err != nil || n != len(b) {
					return fmt.Errorf("can not send list name: %w", err)
				}
			}
			if err := c.writeOptReply(opt.ID, RepAck, 0); err != nil {
				return fmt.Errorf("can not send list ack: %w", err)
			}
		case OptStarttls:
			if c.listener.tlsconfig == nil || c.tlsConn != nil {
				// say it's unsuppported
				c.logger.Printf("[INFO] Rejecting upgrade of connection with %s to TLS", c.name)
				typ := RepErrUnsup
				if c.tlsConn != nil { // TLS is already negotiated
					typ = RepErrInvalid
				}
				if err := c.writeOptReply(opt.ID, typ, 0); err != nil {
					return fmt.Errorf("can not reply to unsupported TLS option: %w", err)
				}
			} else {
				if err := c.writeOptReply(opt.ID, RepAck, 0); err != nil {
					return fmt.Errorf("can not send TLS ack: %w", err)
				}
				c.logger.Printf("[INFO] Upgrading connection with %s to TLS", c.name)
				// switch over to TLS
				tls := tls.Server(c.conn, c.listener.tlsconfig)
				c.tlsConn = tls
				c.conn = tls
				// explicitly handshake so we get an error here if there is an issue
				if err := tls.Handshake(); err != nil {
					return fmt.Errorf("TLS handshake failed: %s", err)
				}
			}
		case OptAbort:
			if err := c.writeOptReply(opt.ID, RepAck, 0); err != nil {
				return fmt.Errorf("can not send abort ack: %w", err)
			}
			return errors.New("connection aborted by client")
		default:
			// eat the option
			if err := skip(c.conn, opt.Len); err != nil {
				return err
			}
			// say it's unsuppported
			if err := c.writeOptReply(opt.ID, RepErrUnsup, 0); err != nil {
				return fmt.Errorf("can not reply to unsupported option: %w", err)
			}
		}
	}

	return c.conn.SetDeadline(time.Time{})
}

package client

import (
	"bytes"
	"compress/flate"
	"io"
	"net"
	"net/http"

	"github.com/gobwas/httphead"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsflate"
	"github.com/gobwas/ws/wsutil"
	"github.com/hzrd149/applesauce-go/pkg/context"
)

// connection is one websocket transport, negotiated with
// permessage-deflate when the server accepts it.
type connection struct {
	conn           net.Conn
	compression    bool
	controlHandler wsutil.FrameHandlerFunc
	flateReader    *wsflate.Reader
	reader         *wsutil.Reader
	flateWriter    *wsflate.Writer
	writer         *wsutil.Writer
	msgStateR      *wsflate.MessageState
	msgStateW      *wsflate.MessageState
}

func dial(c context.T, url string, requestHeader http.Header) (*connection, error) {
	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(requestHeader),
		Extensions: []httphead.Option{
			wsflate.DefaultParameters.Option(),
		},
	}
	conn, _, hs, err := dialer.Dial(c, url)
	if err != nil {
		return nil, log.T.Err("failed to dial %s: %s", url, err)
	}

	compression := false
	state := ws.StateClientSide
	for _, extension := range hs.Extensions {
		if string(extension.Name) == wsflate.ExtensionName {
			compression = true
			state |= ws.StateExtended
			break
		}
	}

	var flateReader *wsflate.Reader
	var msgStateR wsflate.MessageState
	if compression {
		msgStateR.SetCompressed(true)
		flateReader = wsflate.NewReader(nil,
			func(r io.Reader) wsflate.Decompressor {
				return flate.NewReader(r)
			})
	}
	controlHandler := wsutil.ControlFrameHandler(conn, ws.StateClientSide)
	reader := &wsutil.Reader{
		Source:         conn,
		State:          state,
		OnIntermediate: controlHandler,
		CheckUTF8:      false,
		Extensions:     []wsutil.RecvExtension{&msgStateR},
	}

	var flateWriter *wsflate.Writer
	var msgStateW wsflate.MessageState
	if compression {
		msgStateW.SetCompressed(true)
		flateWriter = wsflate.NewWriter(nil,
			func(w io.Writer) wsflate.Compressor {
				fw, err := flate.NewWriter(w, 4)
				chk.E(err)
				return fw
			})
	}
	writer := wsutil.NewWriter(conn, state, ws.OpText)
	writer.SetExtensions(&msgStateW)

	return &connection{
		conn:           conn,
		compression:    compression,
		controlHandler: controlHandler,
		flateReader:    flateReader,
		reader:         reader,
		flateWriter:    flateWriter,
		writer:         writer,
		msgStateR:      &msgStateR,
		msgStateW:      &msgStateW,
	}, nil
}

func (c *connection) writeMessage(data []byte) (err error) {
	if c.msgStateW.IsCompressed() && c.compression {
		c.flateWriter.Reset(c.writer)
		if _, err = io.Copy(c.flateWriter, bytes.NewReader(data)); err != nil {
			return log.T.Err("failed to write message: %s", err)
		}
		if err = c.flateWriter.Close(); err != nil {
			return log.T.Err("failed to close flate writer: %s", err)
		}
	} else {
		if _, err = io.Copy(c.writer, bytes.NewReader(data)); err != nil {
			return log.T.Err("failed to write message: %s", err)
		}
	}
	if err = c.writer.Flush(); err != nil {
		return log.T.Err("failed to flush writer: %s", err)
	}
	return nil
}

func (c *connection) readMessage(cx context.T, buf io.Writer) (err error) {
	for {
		select {
		case <-cx.Done():
			return context.Canceled
		default:
		}
		var h ws.Header
		if h, err = c.reader.NextFrame(); err != nil {
			c.conn.Close()
			return log.T.Err("failed to advance frame: %s", err)
		}
		if h.OpCode.IsControl() {
			if err = c.controlHandler(h, c.reader); err != nil {
				return log.T.Err("failed to handle control frame: %s", err)
			}
		} else if h.OpCode == ws.OpBinary || h.OpCode == ws.OpText {
			break
		}
		if err = c.reader.Discard(); err != nil {
			return log.T.Err("failed to discard frame: %s", err)
		}
	}
	if c.msgStateR.IsCompressed() && c.compression {
		c.flateReader.Reset(c.reader)
		if _, err = io.Copy(buf, c.flateReader); err != nil {
			return log.T.Err("failed to read message: %s", err)
		}
	} else {
		if _, err = io.Copy(buf, c.reader); err != nil {
			return log.T.Err("failed to read message: %s", err)
		}
	}
	return nil
}

func (c *connection) ping() error {
	return wsutil.WriteClientMessage(c.conn, ws.OpPing, nil)
}

func (c *connection) close() error {
	return c.conn.Close()
}

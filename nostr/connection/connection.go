// Package connection wraps a single relay websocket, handling the
// permessage-deflate extension negotiation and frame plumbing, adapted
// from the teacher's pkg/nostr/connection.
package connection

import (
	"bytes"
	"compress/flate"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"

	"github.com/gobwas/httphead"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsflate"
	"github.com/gobwas/ws/wsutil"
	"github.com/mikedilger/gossip/xlog"
)

var log, chk = xlog.New(os.Stderr)

// MaxMessageSize is the buffer size of each connection's outbound frame
// writer. It does not limit message size: inbound messages are read
// without a cap.
const MaxMessageSize = 1 << 20

// C is an open websocket connection to one relay.
type C struct {
	Conn              net.Conn
	enableCompression bool
	controlHandler    wsutil.FrameHandlerFunc
	flateReader       *wsflate.Reader
	reader            *wsutil.Reader
	flateWriter       *wsflate.Writer
	writer            *wsutil.Writer
	msgState          *wsflate.MessageState

	// OnPong, when set, is called whenever a pong control frame arrives,
	// so a caller can track liveness without its own frame-level reader.
	OnPong func()
}

// Dial opens a websocket connection to url, negotiating permessage-deflate
// when the relay supports it.
func Dial(ctx context.Context, url string, requestHeader http.Header) (*C, error) {
	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(requestHeader),
		Extensions: []httphead.Option{
			wsflate.DefaultParameters.Option(),
		},
	}
	conn, _, hs, err := dialer.Dial(ctx, url)
	if chk.E(err) {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	enableCompression := false
	state := ws.StateClientSide
	for _, ext := range hs.Extensions {
		if string(ext.Name) == wsflate.ExtensionName {
			enableCompression = true
			state |= ws.StateExtended
			break
		}
	}
	var flateReader *wsflate.Reader
	var msgState wsflate.MessageState
	if enableCompression {
		msgState.SetCompressed(true)
		flateReader = wsflate.NewReader(nil, func(r io.Reader) wsflate.Decompressor {
			return flate.NewReader(r)
		})
	}
	controlHandler := wsutil.ControlFrameHandler(conn, ws.StateClientSide)
	reader := &wsutil.Reader{
		Source:         conn,
		State:          state,
		OnIntermediate: controlHandler,
		CheckUTF8:      false,
		Extensions:     []wsutil.RecvExtension{&msgState},
	}
	var flateWriter *wsflate.Writer
	if enableCompression {
		flateWriter = wsflate.NewWriter(nil, func(w io.Writer) wsflate.Compressor {
			fw, ferr := flate.NewWriter(w, 4)
			if chk.E(ferr) {
				log.E.F("failed to create flate writer: %v", ferr)
			}
			return fw
		})
	}
	writer := wsutil.NewWriterSize(conn, state, ws.OpText, MaxMessageSize)
	writer.SetExtensions(&msgState)
	return &C{
		Conn:              conn,
		enableCompression: enableCompression,
		controlHandler:    controlHandler,
		flateReader:       flateReader,
		reader:            reader,
		flateWriter:       flateWriter,
		msgState:          &msgState,
		writer:            writer,
	}, nil
}

// WriteMessage sends data as a single text frame, compressing it when
// the connection negotiated permessage-deflate.
func (c *C) WriteMessage(data []byte) error {
	if c.msgState.IsCompressed() && c.enableCompression {
		c.flateWriter.Reset(c.writer)
		if _, err := io.Copy(c.flateWriter, bytes.NewReader(data)); chk.E(err) {
			return fmt.Errorf("failed to write message: %w", err)
		}
		if err := c.flateWriter.Close(); chk.E(err) {
			return fmt.Errorf("failed to close flate writer: %w", err)
		}
	} else if _, err := io.Copy(c.writer, bytes.NewReader(data)); chk.E(err) {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := c.writer.Flush(); chk.E(err) {
		return fmt.Errorf("failed to flush writer: %w", err)
	}
	return nil
}

// ReadMessage blocks until a full text/binary frame has been read into
// buf, transparently handling control frames and decompression.
func (c *C) ReadMessage(ctx context.Context, buf io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return errors.New("context canceled")
		default:
		}
		h, err := c.reader.NextFrame()
		if chk.E(err) {
			chk.E(c.Conn.Close())
			return fmt.Errorf("failed to advance frame: %w", err)
		}
		if h.OpCode.IsControl() {
			if h.OpCode == ws.OpPong && c.OnPong != nil {
				c.OnPong()
			}
			if err := c.controlHandler(h, c.reader); chk.E(err) {
				return fmt.Errorf("failed to handle control frame: %w", err)
			}
			if err := c.reader.Discard(); chk.E(err) {
				return fmt.Errorf("failed to discard: %w", err)
			}
			continue
		}
		if h.OpCode == ws.OpBinary || h.OpCode == ws.OpText {
			break
		}
		if err := c.reader.Discard(); chk.E(err) {
			return fmt.Errorf("failed to discard: %w", err)
		}
	}
	if c.msgState.IsCompressed() && c.enableCompression {
		c.flateReader.Reset(c.reader)
		if _, err := io.Copy(buf, c.flateReader); chk.E(err) {
			return fmt.Errorf("failed to read message: %w", err)
		}
	} else if _, err := io.Copy(buf, c.reader); chk.E(err) {
		return fmt.Errorf("failed to read message: %w", err)
	}
	return nil
}

func (c *C) Close() error { return c.Conn.Close() }

// Command blockserverd runs a single block-server node: it owns one
// node_directory of block files and answers the block-service commands
// over a minimal length-prefixed TCP framing.
package main

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/jessevdk/go-flags"

	"github.com/gholt/mckoiblock/blockid"
	"github.com/gholt/mckoiblock/blockservice"
)

type optsStruct struct {
	NodeDirectory string   `long:"node-directory" description:"Root directory holding this node's block files" default:"."`
	Listen        string   `long:"listen" description:"TCP address to accept connections on" default:":11111"`
	Workers       int      `long:"workers" description:"Background task concurrency. Default: MCKOIBLOCK_WORKERS or 4"`
	Peers         []string `long:"peer" description:"guid@host:port of a sendBlockTo destination this server can reach, repeatable"`
	ManagerAddr   string   `long:"manager-addr" description:"address of the manager notified after a successful sendBlockTo copy"`
}

var opts optsStruct
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	logCritical := log.New(os.Stderr, "CRITICAL ", log.LstdFlags)
	logError := log.New(os.Stderr, "ERROR ", log.LstdFlags)
	logWarning := log.New(os.Stderr, "WARNING ", log.LstdFlags)
	logInfo := log.New(os.Stdout, "INFO ", log.LstdFlags)
	logDebug := log.New(io.Discard, "DEBUG ", log.LstdFlags)

	var manager blockservice.ManagerNotifier
	if opts.ManagerAddr != "" {
		manager = &remoteManager{addr: opts.ManagerAddr}
	}

	svc := blockservice.New(blockservice.Config{
		NodeDirectory: opts.NodeDirectory,
		Workers:       opts.Workers,
		LogCritical:   func(f string, v ...interface{}) { logCritical.Printf(f, v...) },
		LogError:      func(f string, v ...interface{}) { logError.Printf(f, v...) },
		LogWarning:    func(f string, v ...interface{}) { logWarning.Printf(f, v...) },
		LogInfo:       func(f string, v ...interface{}) { logInfo.Printf(f, v...) },
		LogDebug:      func(f string, v ...interface{}) { logDebug.Printf(f, v...) },
	}, manager)
	if err := svc.Startup(); err != nil {
		logCritical.Fatalf("startup: %s", err)
	}
	defer svc.Shutdown()

	for _, spec := range opts.Peers {
		guid, addr, err := parsePeerSpec(spec)
		if err != nil {
			logCritical.Fatalf("peer %q: %s", spec, err)
		}
		svc.RegisterPeer(guid, &remotePeer{addr: addr})
	}

	ln, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		logCritical.Fatalf("listen %s: %s", opts.Listen, err)
	}
	logInfo.Printf("listening on %s, node directory %s", opts.Listen, opts.NodeDirectory)

	for {
		conn, err := ln.Accept()
		if err != nil {
			logError.Printf("accept: %s", err)
			continue
		}
		go serve(conn, svc, logError)
	}
}

// serve runs the request/reply loop for one connection until the client
// disconnects or a frame fails to decode.
func serve(conn net.Conn, svc *blockservice.Service, logError *log.Logger) {
	defer conn.Close()
	codec := newFrameCodec(conn)
	for {
		req, err := codec.DecodeRequest()
		if err != nil {
			if err != io.EOF {
				logError.Printf("decode request from %s: %s", conn.RemoteAddr(), err)
			}
			return
		}
		reply := svc.Dispatch(req)
		if err := codec.EncodeReply(reply); err != nil {
			logError.Printf("encode reply to %s: %s", conn.RemoteAddr(), err)
			return
		}
	}
}

// frameCodec satisfies blockservice.Codec with a 4-byte big-endian length
// prefix around a gob-encoded blockservice.Request/Reply, scoped to this
// request/reply shape rather than a general message bus. A production
// deployment swaps this for the real proxy transport and wire encoding.
type frameCodec struct {
	conn net.Conn
}

func newFrameCodec(conn net.Conn) *frameCodec {
	return &frameCodec{conn: conn}
}

func (f *frameCodec) DecodeRequest() (blockservice.Request, error) {
	buf, err := f.readFrame()
	if err != nil {
		return blockservice.Request{}, err
	}
	var req blockservice.Request
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&req); err != nil {
		return blockservice.Request{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func (f *frameCodec) EncodeReply(reply blockservice.Reply) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&reply); err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	return f.writeFrame(buf.Bytes())
}

// EncodeRequest and DecodeReply give frameCodec a client side: a server
// decodes requests and encodes replies, a client does the reverse over
// the same length-prefixed gob framing.
func (f *frameCodec) EncodeRequest(req blockservice.Request) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&req); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return f.writeFrame(buf.Bytes())
}

func (f *frameCodec) DecodeReply() (blockservice.Reply, error) {
	buf, err := f.readFrame()
	if err != nil {
		return blockservice.Reply{}, err
	}
	var reply blockservice.Reply
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&reply); err != nil {
		return blockservice.Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}

func (f *frameCodec) readFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(f.conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(f.conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (f *frameCodec) writeFrame(buf []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(buf)))
	if _, err := f.conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := f.conn.Write(buf)
	return err
}

// parsePeerSpec splits a "guid@host:port" --peer argument.
func parsePeerSpec(spec string) (int64, string, error) {
	at := strings.IndexByte(spec, '@')
	if at < 0 {
		return 0, "", fmt.Errorf("expected guid@host:port")
	}
	guid, err := strconv.ParseInt(spec[:at], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("guid: %w", err)
	}
	addr := spec[at+1:]
	if addr == "" {
		return 0, "", fmt.Errorf("empty address")
	}
	return guid, addr, nil
}

// call dials addr fresh, sends req, and decodes the reply, translating a
// thrown reply into a Go error.
func call(addr string, req blockservice.Request) (blockservice.Reply, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return blockservice.Reply{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	codec := newFrameCodec(conn)
	if err := codec.EncodeRequest(req); err != nil {
		return blockservice.Reply{}, err
	}
	reply, err := codec.DecodeReply()
	if err != nil {
		return blockservice.Reply{}, err
	}
	if reply.Throw != nil {
		return reply, reply.Throw
	}
	return reply, nil
}

// remotePeer implements blockservice.Peer over the same wire protocol
// this daemon serves, letting sendBlockTo stream to another blockserverd
// instance named by its --peer address.
type remotePeer struct {
	addr string
}

func (p *remotePeer) SendBlockPart(block blockid.BlockID, pos int64, fileType int, buf []byte) error {
	_, err := call(p.addr, blockservice.Request{Op: "sendBlockPart", Block: block, Pos: pos, FileType: fileType, Payload: buf})
	return err
}

func (p *remotePeer) SendBlockComplete(block blockid.BlockID, fileType int) error {
	_, err := call(p.addr, blockservice.Request{Op: "sendBlockComplete", Block: block, FileType: fileType})
	return err
}

// remoteManager implements blockservice.ManagerNotifier by dialing the
// configured --manager-addr and sending the one notification sendBlockTo
// needs; the manager side of this call is a separate, unimplemented
// component that would need to be taught this request shape.
type remoteManager struct {
	addr string
}

func (m *remoteManager) InternalAddBlockServerMapping(block blockid.BlockID, destGUIDs []int64) error {
	_, err := call(m.addr, blockservice.Request{Op: "internalAddBlockServerMapping", Block: block, DestGUIDs: destGUIDs})
	return err
}

package blockservice

import (
	"fmt"

	"github.com/gholt/mckoiblock/blockid"
	"github.com/gholt/mckoiblock/nodeset"
	"github.com/gholt/mckoiblock/rpcerr"
)

// Request is the decoded form of one wire command named in spec.md §6.
// Not every field is used by every Op.
type Request struct {
	Op       string
	Block    blockid.BlockID
	Addr     blockid.DataAddress
	Addrs    []blockid.DataAddress
	Payload  []byte
	FileType int
	Pos      int64
	DestGUID int64

	// DestGUIDs carries the server guids a manager notification reports
	// as new holders of Block; only meaningful for internalAddBlockServerMapping.
	DestGUIDs []int64
}

// Reply is the encoded form of one response. Which of NodeSet, Map, Ids,
// GUID, Int, or Throw are meaningful depends on the request's Op; a
// blockSetReport reply carries both GUID and Ids.
type Reply struct {
	NodeSet *nodeset.NodeSet
	Map     []byte
	Ids     []blockid.BlockID
	GUID    int64
	Int     int64
	Throw   *rpcerr.ExternalThrowable
}

// Codec is the narrow boundary between the block-service core and
// whatever transport a deployment runs over. spec.md §6 names a TCP wire
// protocol with its own framing and encryption; both are explicit
// non-goals here, so Codec leaves the framing to the caller.
type Codec interface {
	DecodeRequest() (Request, error)
	EncodeReply(Reply) error
}

// Dispatch runs req against the service and returns the reply to encode.
// Any error is translated into Reply.Throw rather than returned, since
// the wire protocol reports every failure as an ("E", ...) frame.
func (s *Service) Dispatch(req Request) Reply {
	switch req.Op {
	case "poll":
		if err := s.Poll(""); err != nil {
			return throwReply(err)
		}
		return Reply{}
	case "writeToBlock":
		if err := s.WriteToBlock(req.Addr, req.Payload); err != nil {
			return throwReply(err)
		}
		return Reply{}
	case "readFromBlock":
		ns, err := s.ReadFromBlock(req.Addr)
		if err != nil {
			return throwReply(err)
		}
		return Reply{NodeSet: ns}
	case "rollbackNodes":
		if err := s.RollbackNodes(req.Addrs); err != nil {
			return throwReply(err)
		}
		return Reply{}
	case "deleteBlock":
		if err := s.DeleteBlock(req.Block); err != nil {
			return throwReply(err)
		}
		return Reply{}
	case "blockChecksum":
		sum, err := s.BlockChecksum(req.Block)
		if err != nil {
			return throwReply(err)
		}
		return Reply{Int: sum}
	case "serverGUID":
		guid, err := s.ServerGUID()
		if err != nil {
			return throwReply(err)
		}
		return Reply{GUID: guid}
	case "notifyCurrentBlockId":
		if err := s.NotifyCurrentBlockId(req.Block); err != nil {
			return throwReply(err)
		}
		return Reply{}
	case "blockSetReport":
		guid, ids, err := s.BlockSetReport()
		if err != nil {
			return throwReply(err)
		}
		return Reply{GUID: guid, Ids: ids}
	case "createAvailabilityMapForBlocks":
		m, err := s.CreateAvailabilityMapForBlocks(req.Addrs2Blocks())
		if err != nil {
			return throwReply(err)
		}
		return Reply{Map: m}
	case "sendBlockPart":
		if err := s.SendBlockPart(req.Block, req.Pos, req.FileType, req.Payload); err != nil {
			return throwReply(err)
		}
		return Reply{}
	case "sendBlockComplete":
		if err := s.SendBlockComplete(req.Block, req.FileType); err != nil {
			return throwReply(err)
		}
		return Reply{}
	case "preserveNodesInBlock":
		pid, err := s.PreserveNodesInBlock(req.Addrs)
		if err != nil {
			return throwReply(err)
		}
		return Reply{Int: pid}
	case "sendBlockTo":
		dest, ok := s.lookupPeer(req.DestGUID)
		if !ok {
			return throwReply(rpcerr.New(rpcerr.KindServiceNotConnected, "sendBlockTo", req.Block,
				fmt.Errorf("no peer registered for guid %d", req.DestGUID)))
		}
		pid, err := s.SendBlockTo(req.Block, dest, req.DestGUID, s.managerNotifiers())
		if err != nil {
			return throwReply(err)
		}
		return Reply{Int: pid}
	default:
		return throwReply(rpcerr.New(rpcerr.KindBadFrame, req.Op, req.Block, errUnknownOp(req.Op)))
	}
}

func throwReply(err error) Reply {
	t := rpcerr.ToExternalThrowable(err)
	return Reply{Throw: &t}
}

type errUnknownOp string

func (e errUnknownOp) Error() string { return "unknown op: " + string(e) }

// Addrs2Blocks extracts the Block of every entry in Addrs, for requests
// (like createAvailabilityMapForBlocks) that only carry block ids.
func (r Request) Addrs2Blocks() []blockid.BlockID {
	out := make([]blockid.BlockID, len(r.Addrs))
	for i, a := range r.Addrs {
		out[i] = a.Block
	}
	return out
}

// Package rpcerr defines the block-server's error taxonomy (spec.md §7)
// and the wire-level ExternalThrowable it is translated into before being
// written as a reply frame.
package rpcerr

import (
	"fmt"

	"github.com/gholt/mckoiblock/blockid"
)

// Kind classifies a failure the way the block-server core reports it.
type Kind int

const (
	KindUnknown Kind = iota
	KindIO
	KindCorrupt
	KindOutOfRange
	KindNotSupported
	KindDataIdNotPresent
	KindBadFrame
	KindOutOfOrderPart
	KindServiceNotConnected
	KindStopState
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "IO"
	case KindCorrupt:
		return "Corrupt"
	case KindOutOfRange:
		return "OutOfRange"
	case KindNotSupported:
		return "NotSupported"
	case KindDataIdNotPresent:
		return "DataIdNotPresent"
	case KindBadFrame:
		return "BadFrame"
	case KindOutOfOrderPart:
		return "OutOfOrderPart"
	case KindServiceNotConnected:
		return "ServiceNotConnected"
	case KindStopState:
		return "StopState"
	default:
		return "Unknown"
	}
}

// BlockError is the error type every fallible block-store and
// block-service operation returns; it carries enough context to build an
// ExternalThrowable without the caller re-deriving it.
type BlockError struct {
	Kind    Kind
	Op      string
	Block   blockid.BlockID
	HasData bool
	DataID  uint32
	Err     error
}

func (e *BlockError) Error() string {
	if e.HasData {
		return fmt.Sprintf("blockstore: %s %s/%d: %s: %v", e.Op, e.Block, e.DataID, e.Kind, e.Err)
	}
	return fmt.Sprintf("blockstore: %s %s: %s: %v", e.Op, e.Block, e.Kind, e.Err)
}

func (e *BlockError) Unwrap() error { return e.Err }

// Is reports whether target is a *BlockError with the same Kind, so
// callers can do errors.Is(err, &rpcerr.BlockError{Kind: rpcerr.KindDataIdNotPresent}).
func (e *BlockError) Is(target error) bool {
	t, ok := target.(*BlockError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a BlockError for a block-only operation (no data id).
func New(kind Kind, op string, block blockid.BlockID, err error) *BlockError {
	return &BlockError{Kind: kind, Op: op, Block: block, Err: err}
}

// NewData builds a BlockError for an operation on a specific data id.
func NewData(kind Kind, op string, addr blockid.DataAddress, err error) *BlockError {
	return &BlockError{Kind: kind, Op: op, Block: addr.Block, HasData: true, DataID: addr.DataID, Err: err}
}

// ExternalThrowable is the wire value carried by an ("E", ...) reply frame:
// a class name, a message, and an opaque stack trace string, per spec.md §6.
type ExternalThrowable struct {
	Class   string
	Message string
	Stack   string
}

// ToExternalThrowable translates any error into the wire-level shape. A
// *BlockError keeps its Kind as the class name; any other error is reported
// under a generic class so unexpected failures still cross the wire rather
// than panicking the connection.
func ToExternalThrowable(err error) ExternalThrowable {
	if err == nil {
		return ExternalThrowable{}
	}
	if be, ok := err.(*BlockError); ok {
		return ExternalThrowable{
			Class:   "BlockError." + be.Kind.String(),
			Message: be.Error(),
			Stack:   fmt.Sprintf("%+v", be.Err),
		}
	}
	return ExternalThrowable{Class: "Error", Message: err.Error()}
}

func (t ExternalThrowable) Error() string {
	return fmt.Sprintf("%s: %s", t.Class, t.Message)
}

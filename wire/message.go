// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"fmt"
	"io"
)

// MaxMessagePayload is the maximum bytes a message can be regardless of other
// individual limits imposed by messages themselves.
const MaxMessagePayload = 32 * 1024 * 1024

// Commands used in message headers which describe the type of message.
const (
	CmdPing            = "ping"
	CmdPong            = "pong"
	CmdFindChainSplit  = "findsplit"
	CmdChainSplit      = "chainsplit"
	CmdSyncHeaders     = "syncheaders"
	CmdHeader          = "header"
	CmdSyncBlocks      = "syncblocks"
	CmdBlockBody       = "blockbody"
	CmdSyncKernels     = "synckernels"
	CmdKernel          = "kernel"
	CmdSyncUtxos       = "syncutxos"
	CmdSyncUtxo        = "syncutxo"
	CmdUtxoTrailer     = "utxotrailer"
	CmdNewBlock        = "newblock"
	CmdGetBlock        = "getblock"
	CmdBlock           = "block"
	CmdGetTransactions = "gettxns"
	CmdTransactions    = "txns"
	CmdTx              = "tx"
	CmdReject          = "reject"
	CmdEndOfStream     = "eos"
)

// Message is an interface that describes a message exchanged with peers.
type Message interface {
	Decode(io.Reader, uint32) error
	Encode(io.Writer, uint32) error
	Command() string
}

// MakeEmptyMessage creates a message of the appropriate concrete type based
// on the command.
func MakeEmptyMessage(command string) (Message, error) {
	var msg Message
	switch command {
	case CmdPing:
		msg = &MsgPing{}
	case CmdPong:
		msg = &MsgPong{}
	case CmdFindChainSplit:
		msg = &MsgFindChainSplit{}
	case CmdChainSplit:
		msg = &MsgChainSplit{}
	case CmdSyncHeaders:
		msg = &MsgSyncHeaders{}
	case CmdHeader:
		msg = &MsgHeader{}
	case CmdSyncBlocks:
		msg = &MsgSyncBlocks{}
	case CmdBlockBody:
		msg = &MsgBlockBody{}
	case CmdSyncKernels:
		msg = &MsgSyncKernels{}
	case CmdKernel:
		msg = &MsgKernel{}
	case CmdSyncUtxos:
		msg = &MsgSyncUtxos{}
	case CmdSyncUtxo:
		msg = &MsgSyncUtxo{}
	case CmdUtxoTrailer:
		msg = &MsgUtxoTrailer{}
	case CmdNewBlock:
		msg = &MsgNewBlock{}
	case CmdGetBlock:
		msg = &MsgGetBlock{}
	case CmdBlock:
		msg = &MsgBlock{}
	case CmdGetTransactions:
		msg = &MsgGetTransactions{}
	case CmdTransactions:
		msg = &MsgTransactions{}
	case CmdTx:
		msg = &MsgTx{}
	case CmdReject:
		msg = &MsgReject{}
	case CmdEndOfStream:
		msg = &MsgEndOfStream{}
	default:
		return nil, fmt.Errorf("unhandled command [%s]", command)
	}
	return msg, nil
}

// WriteMessage writes msg to w framed by its command and payload length.
func WriteMessage(w io.Writer, msg Message, pver uint32) error {
	var payload bytes.Buffer
	if err := msg.Encode(&payload, pver); err != nil {
		return err
	}
	if payload.Len() > MaxMessagePayload {
		str := fmt.Sprintf("message payload is too large - encoded "+
			"%d bytes, but maximum message payload is %d bytes",
			payload.Len(), MaxMessagePayload)
		return messageError("WriteMessage", str)
	}
	if err := writeVarString(w, pver, msg.Command()); err != nil {
		return err
	}
	return writeVarBytes(w, pver, payload.Bytes())
}

// ReadMessage reads, validates, and parses the next message from r.
func ReadMessage(r io.Reader, pver uint32) (Message, error) {
	command, err := readVarString(r, pver)
	if err != nil {
		return nil, err
	}
	msg, err := MakeEmptyMessage(command)
	if err != nil {
		return nil, messageError("ReadMessage", err.Error())
	}
	payload, err := readVarBytes(r, pver, MaxMessagePayload, "payload")
	if err != nil {
		return nil, err
	}
	pr := bytes.NewReader(payload)
	if err := msg.Decode(pr, pver); err != nil {
		str := fmt.Sprintf("malformed %s payload: %v", command, err)
		return nil, messageError("ReadMessage", str)
	}
	if pr.Len() != 0 {
		str := fmt.Sprintf("%d trailing bytes after %s payload",
			pr.Len(), command)
		return nil, messageError("ReadMessage", str)
	}
	return msg, nil
}

// MsgEndOfStream terminates a streamed response.
type MsgEndOfStream struct{}

// Decode is part of the Message interface implementation.
func (msg *MsgEndOfStream) Decode(r io.Reader, pver uint32) error { return nil }

// Encode is part of the Message interface implementation.
func (msg *MsgEndOfStream) Encode(w io.Writer, pver uint32) error { return nil }

// Command returns the protocol command string for the message.
func (msg *MsgEndOfStream) Command() string { return CmdEndOfStream }

// RejectCode represents a numeric value by which a remote peer indicates
// why a request was rejected.
type RejectCode uint8

// These constants define the various supported reject codes.
const (
	RejectMalformed RejectCode = 0x01
	RejectInvalid   RejectCode = 0x10
	RejectNotFound  RejectCode = 0x20
	RejectBusy      RejectCode = 0x30
	RejectInternal  RejectCode = 0x40
)

// Map of reject codes back strings for pretty printing.
var rejectCodeStrings = map[RejectCode]string{
	RejectMalformed: "REJECT_MALFORMED",
	RejectInvalid:   "REJECT_INVALID",
	RejectNotFound:  "REJECT_NOTFOUND",
	RejectBusy:      "REJECT_BUSY",
	RejectInternal:  "REJECT_INTERNAL",
}

// String returns the RejectCode in human-readable form.
func (code RejectCode) String() string {
	if s, ok := rejectCodeStrings[code]; ok {
		return s
	}
	return fmt.Sprintf("Unknown RejectCode (%d)", uint8(code))
}

// MsgReject is sent in place of a response when a request cannot be served.
type MsgReject struct {
	Code   RejectCode
	Reason string
}

// Decode is part of the Message interface implementation.
func (msg *MsgReject) Decode(r io.Reader, pver uint32) error {
	code, err := readUint8(r)
	if err != nil {
		return err
	}
	msg.Code = RejectCode(code)
	msg.Reason, err = readVarString(r, pver)
	return err
}

// Encode is part of the Message interface implementation.
func (msg *MsgReject) Encode(w io.Writer, pver uint32) error {
	if err := writeUint8(w, uint8(msg.Code)); err != nil {
		return err
	}
	return writeVarString(w, pver, msg.Reason)
}

// Command returns the protocol command string for the message.
func (msg *MsgReject) Command() string { return CmdReject }

// Error lets a reject be returned as an error.
func (msg *MsgReject) Error() string {
	return fmt.Sprintf("rejected (%v): %s", msg.Code, msg.Reason)
}

// NewMsgReject returns a new reject message.
func NewMsgReject(code RejectCode, reason string) *MsgReject {
	return &MsgReject{Code: code, Reason: reason}
}

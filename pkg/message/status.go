package message

import (
	"encoding/binary"
	"fmt"
)

// StatusReportMinSize is general code, protocol ID and protocol code.
const StatusReportMinSize = 8

// GeneralCode is the protocol independent part of a status report.
type GeneralCode uint16

const (
	GeneralCodeSuccess           GeneralCode = 0
	GeneralCodeFailure           GeneralCode = 1
	GeneralCodeBadPrecondition   GeneralCode = 2
	GeneralCodeBadRequest        GeneralCode = 4
	GeneralCodeUnexpected        GeneralCode = 6
	GeneralCodeResourceExhausted GeneralCode = 7
	GeneralCodeBusy              GeneralCode = 8
	GeneralCodeTimeout           GeneralCode = 9
	GeneralCodeAborted           GeneralCode = 11
)

func (g GeneralCode) String() string {
	switch g {
	case GeneralCodeSuccess:
		return "Success"
	case GeneralCodeFailure:
		return "Failure"
	case GeneralCodeBadPrecondition:
		return "BadPrecondition"
	case GeneralCodeBadRequest:
		return "BadRequest"
	case GeneralCodeUnexpected:
		return "Unexpected"
	case GeneralCodeResourceExhausted:
		return "ResourceExhausted"
	case GeneralCodeBusy:
		return "Busy"
	case GeneralCodeTimeout:
		return "Timeout"
	case GeneralCodeAborted:
		return "Aborted"
	default:
		return fmt.Sprintf("GeneralCode(%d)", uint16(g))
	}
}

// SecureChannelCode is the secure channel specific part of a status report.
type SecureChannelCode uint16

const (
	CodeSessionEstablishmentSuccess SecureChannelCode = 0x0000
	CodeNoSharedTrustRoots          SecureChannelCode = 0x0001
	CodeInvalidParameter            SecureChannelCode = 0x0002
	CodeCloseSession                SecureChannelCode = 0x0003
	CodeBusy                        SecureChannelCode = 0x0004
	CodeGeneralFailure              SecureChannelCode = 0xFFFF
)

func (c SecureChannelCode) String() string {
	switch c {
	case CodeSessionEstablishmentSuccess:
		return "SessionEstablishmentSuccess"
	case CodeNoSharedTrustRoots:
		return "NoSharedTrustRoots"
	case CodeInvalidParameter:
		return "InvalidParameter"
	case CodeCloseSession:
		return "CloseSession"
	case CodeBusy:
		return "Busy"
	case CodeGeneralFailure:
		return "GeneralFailure"
	default:
		return fmt.Sprintf("SecureChannelCode(0x%04X)", uint16(c))
	}
}

// StatusReport closes a handshake or rejects one.
type StatusReport struct {
	GeneralCode GeneralCode

	// ProtocolID carries the vendor in the upper 16 bits.
	ProtocolID   uint32
	ProtocolCode uint16
	ProtocolData []byte
}

// NewSecureChannelStatus builds a report for the secure channel protocol.
func NewSecureChannelStatus(general GeneralCode, code SecureChannelCode) *StatusReport {
	return &StatusReport{
		GeneralCode:  general,
		ProtocolID:   uint32(ProtocolSecureChannel),
		ProtocolCode: uint16(code),
	}
}

// StatusSuccess ends a successful handshake.
func StatusSuccess() *StatusReport {
	return NewSecureChannelStatus(GeneralCodeSuccess, CodeSessionEstablishmentSuccess)
}

// StatusInvalidParameter rejects a malformed or unverifiable handshake message.
func StatusInvalidParameter() *StatusReport {
	return NewSecureChannelStatus(GeneralCodeFailure, CodeInvalidParameter)
}

// StatusBusy asks the initiator to retry after waitMs milliseconds.
func StatusBusy(waitMs uint16) *StatusReport {
	r := NewSecureChannelStatus(GeneralCodeBusy, CodeBusy)
	r.ProtocolData = binary.LittleEndian.AppendUint16(nil, waitMs)
	return r
}

// Encode serializes the report.
func (s *StatusReport) Encode() []byte {
	buf := make([]byte, StatusReportMinSize, StatusReportMinSize+len(s.ProtocolData))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(s.GeneralCode))
	binary.LittleEndian.PutUint32(buf[2:6], s.ProtocolID)
	binary.LittleEndian.PutUint16(buf[6:8], s.ProtocolCode)
	return append(buf, s.ProtocolData...)
}

// DecodeStatusReport parses a report.
func DecodeStatusReport(data []byte) (*StatusReport, error) {
	if len(data) < StatusReportMinSize {
		return nil, ErrStatusReportTooShort
	}
	s := &StatusReport{
		GeneralCode:  GeneralCode(binary.LittleEndian.Uint16(data[0:2])),
		ProtocolID:   binary.LittleEndian.Uint32(data[2:6]),
		ProtocolCode: binary.LittleEndian.Uint16(data[6:8]),
	}
	if len(data) > StatusReportMinSize {
		s.ProtocolData = append([]byte(nil), data[StatusReportMinSize:]...)
	}
	return s, nil
}

// IsSuccess reports a successful session establishment.
func (s *StatusReport) IsSuccess() bool {
	return s.GeneralCode == GeneralCodeSuccess &&
		s.ProtocolID == uint32(ProtocolSecureChannel) &&
		s.ProtocolCode == uint16(CodeSessionEstablishmentSuccess)
}

// IsBusy reports a busy rejection.
func (s *StatusReport) IsBusy() bool {
	return s.GeneralCode == GeneralCodeBusy && s.ProtocolCode == uint16(CodeBusy)
}

// BusyWait returns the advertised minimum wait in milliseconds, or 0.
func (s *StatusReport) BusyWait() uint16 {
	if !s.IsBusy() || len(s.ProtocolData) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(s.ProtocolData)
}

func (s *StatusReport) String() string {
	if s.ProtocolID == uint32(ProtocolSecureChannel) {
		return fmt.Sprintf("StatusReport{%s, %s}", s.GeneralCode, SecureChannelCode(s.ProtocolCode))
	}
	return fmt.Sprintf("StatusReport{%s, protocol 0x%08X, code 0x%04X}", s.GeneralCode, s.ProtocolID, s.ProtocolCode)
}

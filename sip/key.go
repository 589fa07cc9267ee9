package sip

import (
	"hash/fnv"
	"log/slog"
	"strconv"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/util"
)

// TransactionRole is the role of the transaction owner.
type TransactionRole uint8

const (
	RoleClient TransactionRole = iota + 1
	RoleServer
)

func (r TransactionRole) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "TransactionRole(" + strconv.Itoa(int(r)) + ")"
	}
}

// TransactionKey identifies a transaction.
//
// For RFC 3261 messages the key is built from the top Via branch, sent-by, transport
// and method (RFC 3261 Section 17.1.3 and 17.2.3).
// Messages without the magic cookie fall back to Call-ID, CSeq, method, top Via sent-by and From tag.
// ACK is mapped to INVITE in both forms, so an ACK for a non-2xx matches its INVITE transaction.
//
// The zero value is not a valid key.
type TransactionKey struct {
	Role      TransactionRole
	Method    string
	Branch    string
	SentBy    string
	Transport TransportProto
	// Fallback fields, empty for RFC 3261 keys.
	CallID  string
	CSeq    uint32
	FromTag string
}

// IsZero reports whether the key is empty.
func (k TransactionKey) IsZero() bool { return k == TransactionKey{} }

// IsRFC3261 reports whether the key is based on the RFC 3261 branch.
func (k TransactionKey) IsRFC3261() bool { return k.Branch != "" }

func (k TransactionKey) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	sb.WriteString(k.Role.String())
	sb.WriteByte('|')
	sb.WriteString(k.Method)
	sb.WriteByte('|')
	if k.IsRFC3261() {
		sb.WriteString(k.Branch)
		sb.WriteByte('|')
		sb.WriteString(k.SentBy)
		sb.WriteByte('|')
		sb.WriteString(string(k.Transport))
		return sb.String()
	}
	sb.WriteString(k.CallID)
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatUint(uint64(k.CSeq), 10))
	sb.WriteByte('|')
	sb.WriteString(k.SentBy)
	sb.WriteByte('|')
	sb.WriteString(k.FromTag)
	return sb.String()
}

func (k TransactionKey) LogValue() slog.Value {
	if k.IsZero() {
		return slog.Value{}
	}
	return slog.StringValue(k.String())
}

func hashTransactionKey(k TransactionKey) uint32 {
	h := fnv.New32a()
	h.Write([]byte(k.Method))
	if k.IsRFC3261() {
		h.Write([]byte(k.Branch))
	} else {
		h.Write([]byte(k.CallID))
		h.Write([]byte(k.FromTag))
	}
	return h.Sum32() ^ uint32(k.Role) ^ k.CSeq
}

func keyMethod(mtd string) string {
	if mtd == MethodAck {
		return MethodInvite
	}
	return mtd
}

// ServerKey returns the key of the server transaction the request belongs to.
func ServerKey(req *Message) (TransactionKey, error) {
	if !req.IsRequest() {
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("not a request"))
	}
	return errtrace.Wrap2(messageKey(RoleServer, req, req.Method))
}

// ClientKey returns the key of the client transaction the message belongs to.
// For requests it is the key of the transaction sending the request,
// for responses the method is taken from CSeq.
func ClientKey(msg *Message) (TransactionKey, error) {
	switch {
	case msg.IsRequest():
		return errtrace.Wrap2(messageKey(RoleClient, msg, msg.Method))
	case msg.IsResponse():
		_, mtd, ok := msg.CSeq()
		if !ok {
			return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("malformed CSeq"))
		}
		return errtrace.Wrap2(messageKey(RoleClient, msg, mtd))
	default:
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("invalid message"))
	}
}

func messageKey(role TransactionRole, msg *Message, mtd string) (TransactionKey, error) {
	via, ok := msg.TopVia()
	if !ok {
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("missing or malformed Via"))
	}

	key := TransactionKey{
		Role:   role,
		Method: keyMethod(util.UCase(mtd)),
		SentBy: via.SentBy(),
	}
	if via.IsRFC3261() {
		key.Branch = via.Branch()
		key.Transport = via.Transport
		return key, nil
	}

	num, _, ok := msg.CSeq()
	if !ok {
		return TransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("malformed CSeq"))
	}
	key.CallID = msg.CallID()
	key.CSeq = num
	key.FromTag = msg.FromTag()
	return key, nil
}

const branchRandLen = 32

// GenerateBranch returns a new RFC 3261 compliant branch.
func GenerateBranch() string {
	return RFC3261BranchMagicCookie + util.RandString(branchRandLen)
}

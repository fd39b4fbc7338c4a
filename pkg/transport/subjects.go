package transport

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultSubjectPrefix is the root token of every protocol subject.
const DefaultSubjectPrefix = "rsm"

// Frame headers on inbound reply messages. A missing Rsm-Frame header means
// a unary reply.
const (
	HeaderFrame        = "Rsm-Frame"
	FrameNext          = "next"
	FrameComplete      = "complete"
	FrameError         = "error"
	HeaderErrorCode    = "Rsm-Error-Code"
	HeaderErrorMessage = "Rsm-Error"
)

// BuildCommandSubject builds the command subject for a peer.
func BuildCommandSubject(prefix, target string) string {
	return fmt.Sprintf("%s.svc.%s.command", prefix, target)
}

// BuildQuerySubject builds the query subject for a peer.
func BuildQuerySubject(prefix, target string) string {
	return fmt.Sprintf("%s.svc.%s.query", prefix, target)
}

// BuildInfoSubject builds the handshake subject for a peer.
func BuildInfoSubject(prefix, target string) string {
	return fmt.Sprintf("%s.svc.%s.info", prefix, target)
}

// BuildReplySubject builds the reply subject for one request. The
// correlation id is the last token so the receive path never parses the
// payload.
func BuildReplySubject(prefix, clientID string, corrID uint64) string {
	return fmt.Sprintf("%s.client.%s.%d", prefix, clientID, corrID)
}

// BuildReplyWildcard builds the subscription subject covering every reply
// for one client connection.
func BuildReplyWildcard(prefix, clientID string) string {
	return fmt.Sprintf("%s.client.%s.*", prefix, clientID)
}

// ReplyCorrelationID extracts the correlation id from a reply subject.
func ReplyCorrelationID(subject string) (uint64, error) {
	idx := strings.LastIndex(subject, ".")
	if idx < 0 || idx == len(subject)-1 {
		return 0, fmt.Errorf("subject %q has no correlation token", subject)
	}
	id, err := strconv.ParseUint(subject[idx+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("subject %q correlation token: %w", subject, err)
	}
	return id, nil
}

package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coregx/notify/model"
)

// ErrMalformedEnvelope is matched (errors.Is) by every decode failure.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// MalformedError reports where a document failed to decode. Line is 1-based,
// 0 when the failure is not tied to a line.
type MalformedError struct {
	Line   int
	Reason string
}

func (e *MalformedError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("malformed envelope: line %d: %s", e.Line, e.Reason)
	}
	return "malformed envelope: " + e.Reason
}

// Is makes errors.Is(err, ErrMalformedEnvelope) hold.
func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformedEnvelope
}

func malformed(line int, format string, args ...interface{}) error {
	return &MalformedError{Line: line, Reason: fmt.Sprintf(format, args...)}
}

const (
	relaySectionMarker = "*"
	// DefaultExtensionCount is the reserved count written after the subscriber list.
	DefaultExtensionCount = 1
)

// RelaySubscriber is one subscriber record of a relay document.
type RelaySubscriber struct {
	Protocol        model.Protocol
	Endpoint        string
	SubscriptionArn string
	Raw             bool
}

// Relay is the document sent to the internal queue when one publish targets
// several queue subscribers.
//
// Layout:
//
//	<subscriber count>
//	<protocol code>|<endpoint>|<subscription arn>|<true|false>   (count times)
//	<extension count>
//
//	*
//	<topic arn>
//	<timestamp, epoch millis>
//	<account id>
//	<message id>
//	<message type>
//	<body>
//
// The body runs to the end of the document and may span lines. When the message
// has per-protocol overrides the body is a JSON object of protocol name to text.
// Plain text that parses as such an object is wrapped as {"default": text}.
type Relay struct {
	Subscribers    []RelaySubscriber
	ExtensionCount int
	TopicArn       string
	Timestamp      time.Time
	AccountID      string
	MessageID      string
	Type           model.MessageType
	Body           string
}

// NewRelay builds the relay document of a message for the given subscribers, in order.
func NewRelay(msg model.Message, subs []model.Subscription) Relay {
	r := Relay{
		Subscribers:    make([]RelaySubscriber, 0, len(subs)),
		ExtensionCount: DefaultExtensionCount,
		TopicArn:       msg.TopicArn,
		Timestamp:      msg.Timestamp,
		AccountID:      msg.AccountID,
		MessageID:      msg.MessageID,
		Type:           model.MessageTypeNotification,
		Body:           relayBody(msg.Body),
	}
	for _, s := range subs {
		r.Subscribers = append(r.Subscribers, RelaySubscriber{
			Protocol:        s.Protocol,
			Endpoint:        s.Endpoint,
			SubscriptionArn: s.Arn,
			Raw:             s.RawMessageDelivery,
		})
	}
	return r
}

// relayBody renders the body section. Overrides are written as a JSON mapping
// of protocol name to text; so is plain text that would itself parse as such a
// mapping, so MessageBody can always tell the two apart.
func relayBody(b model.MessageBody) string {
	if !b.HasOverrides() && !looksLikeStructure(b.Default) {
		return b.Default
	}
	mapping := make(map[string]string, len(b.Overrides)+1)
	mapping[model.DefaultBodyKey] = b.Default
	for p, text := range b.Overrides {
		mapping[string(p)] = text
	}
	// map keys are marshalled in sorted order
	data, _ := json.Marshal(mapping)
	return string(data)
}

func looksLikeStructure(text string) bool {
	if !strings.HasPrefix(text, "{") {
		return false
	}
	_, err := model.ParseMessageStructure(text)
	return err == nil
}

// MessageBody recovers the message body carried by the document. A body that
// parses as a message structure is one; anything else is plain text.
func (r Relay) MessageBody() model.MessageBody {
	if looksLikeStructure(r.Body) {
		body, _ := model.ParseMessageStructure(r.Body)
		return body
	}
	return model.TextBody(r.Body)
}

// Message rebuilds the published message carried by the document.
func (r Relay) Message() model.Message {
	return model.Message{
		TopicArn:  r.TopicArn,
		AccountID: r.AccountID,
		MessageID: r.MessageID,
		Timestamp: r.Timestamp,
		Body:      r.MessageBody(),
	}
}

// EncodeRelay renders the document. Fields that would break the line layout are rejected.
func EncodeRelay(r Relay) (string, error) {
	if r.ExtensionCount < 0 {
		return "", fmt.Errorf("relay: negative extension count %d", r.ExtensionCount)
	}
	for _, f := range []struct{ name, value string }{
		{"topic arn", r.TopicArn},
		{"account id", r.AccountID},
		{"message id", r.MessageID},
		{"message type", string(r.Type)},
	} {
		if strings.ContainsAny(f.value, "\r\n") {
			return "", fmt.Errorf("relay: %s contains a line break", f.name)
		}
	}

	var b strings.Builder
	b.WriteString(strconv.Itoa(len(r.Subscribers)))
	b.WriteByte('\n')
	for i, s := range r.Subscribers {
		code := s.Protocol.Code()
		if code < 0 {
			return "", fmt.Errorf("relay: subscriber %d: unknown protocol %q", i, s.Protocol)
		}
		if strings.ContainsAny(s.Endpoint, "\r\n") {
			return "", fmt.Errorf("relay: subscriber %d: endpoint contains a line break", i)
		}
		if strings.ContainsAny(s.SubscriptionArn, "|\r\n") {
			return "", fmt.Errorf("relay: subscriber %d: subscription arn contains a separator", i)
		}
		fmt.Fprintf(&b, "%d|%s|%s|%t\n", code, s.Endpoint, s.SubscriptionArn, s.Raw)
	}
	b.WriteString(strconv.Itoa(r.ExtensionCount))
	b.WriteString("\n\n")
	b.WriteString(relaySectionMarker)
	b.WriteByte('\n')
	b.WriteString(r.TopicArn)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(r.Timestamp.UnixMilli(), 10))
	b.WriteByte('\n')
	b.WriteString(r.AccountID)
	b.WriteByte('\n')
	b.WriteString(r.MessageID)
	b.WriteByte('\n')
	b.WriteString(string(r.Type))
	b.WriteByte('\n')
	b.WriteString(r.Body)
	return b.String(), nil
}

// DecodeRelay parses a relay document strictly: the subscriber count must match
// the subscriber lines, and every trailer field must be present.
func DecodeRelay(doc string) (Relay, error) {
	lines := strings.Split(doc, "\n")
	next := 0
	line := func() (string, int, bool) {
		if next >= len(lines) {
			return "", next + 1, false
		}
		next++
		return lines[next-1], next, true
	}

	countLine, n, ok := line()
	if !ok {
		return Relay{}, malformed(n, "missing subscriber count")
	}
	count, err := parseCount(countLine)
	if err != nil {
		return Relay{}, malformed(n, "bad subscriber count %q", countLine)
	}

	// A count larger than the document can hold is rejected before allocating.
	if count > len(lines) {
		return Relay{}, malformed(n, "subscriber count %d exceeds document length", count)
	}

	r := Relay{Subscribers: make([]RelaySubscriber, 0, count)}
	for i := 0; i < count; i++ {
		text, n, ok := line()
		if !ok {
			return Relay{}, malformed(n, "expected %d subscriber lines, found %d", count, i)
		}
		sub, err := parseSubscriber(text)
		if err != nil {
			return Relay{}, malformed(n, "%v", err)
		}
		r.Subscribers = append(r.Subscribers, sub)
	}

	extLine, n, ok := line()
	if !ok {
		return Relay{}, malformed(n, "missing extension count")
	}
	if r.ExtensionCount, err = parseCount(extLine); err != nil {
		return Relay{}, malformed(n, "bad extension count %q", extLine)
	}

	if sep, n, ok := line(); !ok || sep != "" {
		return Relay{}, malformed(n, "missing blank separator line")
	}
	if marker, n, ok := line(); !ok || marker != relaySectionMarker {
		return Relay{}, malformed(n, "missing %q section marker", relaySectionMarker)
	}

	trailer := make([]string, 5)
	names := []string{"topic arn", "timestamp", "account id", "message id", "message type"}
	for i := range trailer {
		text, n, ok := line()
		if !ok {
			return Relay{}, malformed(n, "missing %s", names[i])
		}
		trailer[i] = text
	}
	if next >= len(lines) {
		return Relay{}, malformed(next+1, "missing body")
	}

	millis, err := strconv.ParseInt(trailer[1], 10, 64)
	if err != nil {
		return Relay{}, malformed(next-3, "bad timestamp %q", trailer[1])
	}
	msgType := model.MessageType(trailer[4])
	if !isKnownType(msgType) {
		return Relay{}, malformed(next, "unknown message type %q", trailer[4])
	}

	r.TopicArn = trailer[0]
	r.Timestamp = time.UnixMilli(millis).UTC()
	r.AccountID = trailer[2]
	r.MessageID = trailer[3]
	r.Type = msgType
	r.Body = strings.Join(lines[next:], "\n")
	return r, nil
}

func parseCount(s string) (int, error) {
	if s == "" || strings.TrimLeft(s, "0123456789") != "" {
		return 0, errors.New("not a non-negative integer")
	}
	return strconv.Atoi(s)
}

// parseSubscriber splits "<code>|<endpoint>|<arn>|<raw>". The endpoint is the
// middle of the line so it may itself contain '|'.
func parseSubscriber(text string) (RelaySubscriber, error) {
	fields := strings.Split(text, "|")
	if len(fields) < 4 {
		return RelaySubscriber{}, fmt.Errorf("subscriber line has %d fields, want 4", len(fields))
	}
	code, err := parseCount(fields[0])
	if err != nil {
		return RelaySubscriber{}, fmt.Errorf("bad protocol code %q", fields[0])
	}
	protocol, err := model.ProtocolFromCode(code)
	if err != nil {
		return RelaySubscriber{}, err
	}
	var raw bool
	switch fields[len(fields)-1] {
	case "true":
		raw = true
	case "false":
	default:
		return RelaySubscriber{}, fmt.Errorf("bad raw flag %q", fields[len(fields)-1])
	}
	subArn := fields[len(fields)-2]
	if subArn == "" {
		return RelaySubscriber{}, errors.New("empty subscription arn")
	}
	return RelaySubscriber{
		Protocol:        protocol,
		Endpoint:        strings.Join(fields[1:len(fields)-2], "|"),
		SubscriptionArn: subArn,
		Raw:             raw,
	}, nil
}

func isKnownType(t model.MessageType) bool {
	switch t {
	case model.MessageTypeNotification, model.MessageTypeSubscriptionConfirmation, model.MessageTypeUnsubscribeConfirmation:
		return true
	}
	return false
}

// Targets returns the subscriber records of the given protocol, in document order.
func (r Relay) Targets(p model.Protocol) []RelaySubscriber {
	var out []RelaySubscriber
	for _, s := range r.Subscribers {
		if s.Protocol == p {
			out = append(out, s)
		}
	}
	return out
}

// IsRelay reports whether a queue message body has the shape of a relay
// document: a numeric first line and a section marker. It does not validate
// the document; DecodeRelay does.
func IsRelay(body string) bool {
	first, _, ok := strings.Cut(body, "\n")
	if !ok || first == "" {
		return false
	}
	for _, c := range first {
		if c < '0' || c > '9' {
			return false
		}
	}
	return strings.Contains(body, "\n\n"+relaySectionMarker+"\n")
}

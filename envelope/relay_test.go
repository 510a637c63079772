package envelope

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/notify/model"
)

func TestRelay_TwoQueueSubscribers(t *testing.T) {
	msg := testMessage(model.TextBody("hello"))
	subs := []model.Subscription{
		testSubscription(subArnA, model.ProtocolCQS, "https://cqs.example.com/1/queueA"),
		testSubscription(subArnB, model.ProtocolCQS, "https://cqs.example.com/1/queueB").WithRawMessageDelivery(true),
	}

	doc, err := EncodeRelay(NewRelay(msg, subs))
	require.NoError(t, err)

	want := strings.Join([]string{
		"2",
		"4|https://cqs.example.com/1/queueA|" + subArnA + "|false",
		"4|https://cqs.example.com/1/queueB|" + subArnB + "|true",
		"1",
		"",
		"*",
		testTopicArn,
		"1381614162483",
		"381515276957",
		msg.MessageID,
		"Notification",
		"hello",
	}, "\n")
	if diff := cmp.Diff(want, doc); diff != "" {
		t.Errorf("relay document mismatch (-want +got):\n%s", diff)
	}
}

func TestRelay_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		body model.MessageBody
		subs []model.Subscription
	}{
		{
			name: "single subscriber",
			body: model.TextBody("hello"),
			subs: []model.Subscription{testSubscription(subArnA, model.ProtocolCQS, "q1")},
		},
		{
			name: "mixed protocols and overrides",
			body: model.MessageBody{
				Default:   "default text",
				Overrides: map[model.Protocol]string{model.ProtocolCQS: "queue text", model.ProtocolEmail: "mail"},
			},
			subs: []model.Subscription{
				testSubscription(subArnA, model.ProtocolCQS, "q1"),
				testSubscription(subArnB, model.ProtocolHTTP, "http://localhost:8080/hook?a=1|2").WithRawMessageDelivery(true),
				testSubscription(subArnA, model.ProtocolEmailJSON, "ops@example.com"),
			},
		},
		{
			name: "multi line body",
			body: model.TextBody("line one\nline two\n\n*\nline five"),
			subs: []model.Subscription{
				testSubscription(subArnA, model.ProtocolCQS, "q1"),
				testSubscription(subArnB, model.ProtocolSQS, "q2"),
			},
		},
		{
			name: "no subscribers",
			body: model.TextBody(""),
		},
		{
			name: "text shaped like a message structure",
			body: model.TextBody(`{"default":"short","http":"other"}`),
			subs: []model.Subscription{testSubscription(subArnA, model.ProtocolCQS, "q1")},
		},
		{
			name: "text shaped like a default-only structure",
			body: model.TextBody(`{"default":"short"}`),
			subs: []model.Subscription{testSubscription(subArnA, model.ProtocolCQS, "q1")},
		},
		{
			name: "json text that is not a structure",
			body: model.TextBody(`{"orderId":42}`),
			subs: []model.Subscription{testSubscription(subArnA, model.ProtocolCQS, "q1")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := testMessage(tt.body)
			relay := NewRelay(msg, tt.subs)

			doc, err := EncodeRelay(relay)
			require.NoError(t, err)

			decoded, err := DecodeRelay(doc)
			require.NoError(t, err)

			if diff := cmp.Diff(relay, decoded); diff != "" {
				t.Errorf("relay round trip mismatch (-want +got):\n%s", diff)
			}
			assert.Len(t, decoded.Subscribers, len(tt.subs))

			back := decoded.Message()
			assert.Equal(t, msg.TopicArn, back.TopicArn)
			assert.Equal(t, msg.AccountID, back.AccountID)
			assert.Equal(t, msg.MessageID, back.MessageID)
			assert.True(t, msg.Timestamp.Equal(back.Timestamp))
			assert.Equal(t, msg.Body, back.Body)

			again, err := EncodeRelay(decoded)
			require.NoError(t, err)
			assert.Equal(t, doc, again)
		})
	}
}

func TestRelay_OverridesBodyIsSortedMapping(t *testing.T) {
	msg := testMessage(model.MessageBody{
		Default:   "d",
		Overrides: map[model.Protocol]string{model.ProtocolHTTP: "h", model.ProtocolCQS: "c", model.ProtocolEmail: "e"},
	})

	relay := NewRelay(msg, nil)
	assert.Equal(t, `{"cqs":"c","default":"d","email":"e","http":"h"}`, relay.Body)
}

func TestRelay_StructureShapedTextIsWrapped(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{`{"default":"short","http":"other"}`, `{"default":"{\"default\":\"short\",\"http\":\"other\"}"}`},
		{`{"orderId":42}`, `{"orderId":42}`},
		{"{not json", "{not json"},
	}
	for _, tt := range tests {
		relay := NewRelay(testMessage(model.TextBody(tt.text)), nil)
		assert.Equal(t, tt.want, relay.Body)
		assert.Equal(t, model.TextBody(tt.text), relay.MessageBody())
	}
}

func TestRelay_PreservesExtensionCount(t *testing.T) {
	relay := NewRelay(testMessage(model.TextBody("x")), nil)
	relay.ExtensionCount = 3

	doc, err := EncodeRelay(relay)
	require.NoError(t, err)
	decoded, err := DecodeRelay(doc)
	require.NoError(t, err)
	assert.Equal(t, 3, decoded.ExtensionCount)
}

func TestRelay_Targets(t *testing.T) {
	relay := NewRelay(testMessage(model.TextBody("x")), []model.Subscription{
		testSubscription(subArnA, model.ProtocolCQS, "q1"),
		testSubscription(subArnB, model.ProtocolHTTP, "h"),
		testSubscription(subArnB, model.ProtocolCQS, "q2"),
	})

	targets := relay.Targets(model.ProtocolCQS)
	require.Len(t, targets, 2)
	assert.Equal(t, "q1", targets[0].Endpoint)
	assert.Equal(t, "q2", targets[1].Endpoint)
}

func TestDecodeRelay_Malformed(t *testing.T) {
	valid := func() []string {
		return []string{
			"2",
			"4|q1|" + subArnA + "|false",
			"4|q2|" + subArnB + "|true",
			"1",
			"",
			"*",
			testTopicArn,
			"1381614162483",
			"381515276957",
			"m-1",
			"Notification",
			"body",
		}
	}
	with := func(edit func([]string) []string) string {
		return strings.Join(edit(valid()), "\n")
	}

	tests := []struct {
		name string
		doc  string
	}{
		{"empty document", ""},
		{"count not a number", with(func(l []string) []string { l[0] = "two"; return l })},
		{"negative count", with(func(l []string) []string { l[0] = "-1"; return l })},
		{"count larger than lines", with(func(l []string) []string { l[0] = "3"; return l })},
		{"count huge", with(func(l []string) []string { l[0] = "1000"; return l })},
		{"count smaller than lines", with(func(l []string) []string { l[0] = "1"; return l })},
		{"too few fields", with(func(l []string) []string { l[1] = "4|q1|false"; return l })},
		{"unknown protocol code", with(func(l []string) []string { l[1] = "9|q1|" + subArnA + "|false"; return l })},
		{"bad protocol code", with(func(l []string) []string { l[1] = "x|q1|" + subArnA + "|false"; return l })},
		{"bad raw flag", with(func(l []string) []string { l[2] = "4|q2|" + subArnB + "|yes"; return l })},
		{"empty arn", with(func(l []string) []string { l[2] = "4|q2||true"; return l })},
		{"bad extension count", with(func(l []string) []string { l[3] = "one"; return l })},
		{"missing separator", with(func(l []string) []string { l[4] = "x"; return l })},
		{"missing marker", with(func(l []string) []string { l[5] = "#"; return l })},
		{"bad timestamp", with(func(l []string) []string { l[7] = "yesterday"; return l })},
		{"unknown type", with(func(l []string) []string { l[10] = "Gossip"; return l })},
		{"missing body", with(func(l []string) []string { return l[:11] })},
		{"missing trailer", with(func(l []string) []string { return l[:8] })},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRelay(tt.doc)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedEnvelope))

			var me *MalformedError
			assert.True(t, errors.As(err, &me))
		})
	}

	t.Run("valid baseline", func(t *testing.T) {
		r, err := DecodeRelay(with(func(l []string) []string { return l }))
		require.NoError(t, err)
		assert.Len(t, r.Subscribers, 2)
		assert.Equal(t, "body", r.Body)
	})
}

func TestEncodeRelay_RejectsLineBreaks(t *testing.T) {
	msg := testMessage(model.TextBody("x"))

	badEndpoint := NewRelay(msg, []model.Subscription{testSubscription(subArnA, model.ProtocolCQS, "q\n1")})
	_, err := EncodeRelay(badEndpoint)
	assert.Error(t, err)

	badArn := NewRelay(msg, []model.Subscription{testSubscription("a|b", model.ProtocolCQS, "q")})
	_, err = EncodeRelay(badArn)
	assert.Error(t, err)

	badProtocol := NewRelay(msg, []model.Subscription{testSubscription(subArnA, "pigeon", "q")})
	_, err = EncodeRelay(badProtocol)
	assert.Error(t, err)

	badTopic := NewRelay(msg, nil)
	badTopic.TopicArn = "a\nb"
	_, err = EncodeRelay(badTopic)
	assert.Error(t, err)
}

func TestIsRelay(t *testing.T) {
	msg := testMessage(model.TextBody("line one\nline two"))
	subs := []model.Subscription{
		testSubscription(subArnA, model.ProtocolCQS, "queueA"),
		testSubscription(subArnB, model.ProtocolCQS, "queueB"),
	}
	doc, err := EncodeRelay(NewRelay(msg, subs))
	require.NoError(t, err)

	assert.True(t, IsRelay(doc))
	assert.False(t, IsRelay(`{"Type":"Notification"}`))
	assert.False(t, IsRelay("hello"))
	assert.False(t, IsRelay("2\nno marker"))
	assert.False(t, IsRelay("x2\n\n*\n"))
}

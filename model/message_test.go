package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessageStructure(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		expected  MessageBody
		expectErr bool
	}{
		{
			name:     "Default only",
			input:    `{"default":"hello"}`,
			expected: MessageBody{Default: "hello"},
		},
		{
			name:  "With overrides",
			input: `{"default":"hello","email":"Hello there","internal-queue":"q"}`,
			expected: MessageBody{
				Default:   "hello",
				Overrides: map[Protocol]string{ProtocolEmail: "Hello there", ProtocolCQS: "q"},
			},
		},
		{name: "Missing default", input: `{"email":"x"}`, expectErr: true},
		{name: "Unknown protocol", input: `{"default":"x","pigeon":"y"}`, expectErr: true},
		{name: "Not an object", input: `"hello"`, expectErr: true},
		{name: "Non string value", input: `{"default":1}`, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := ParseMessageStructure(tt.input)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, body)
		})
	}
}

func TestMessageBody_For(t *testing.T) {
	body := MessageBody{Default: "d", Overrides: map[Protocol]string{ProtocolEmail: "e"}}

	assert.Equal(t, "e", body.For(ProtocolEmail))
	assert.Equal(t, "d", body.For(ProtocolHTTP))
	assert.True(t, body.HasOverrides())
	assert.False(t, TextBody("x").HasOverrides())
}

func TestNewMessage(t *testing.T) {
	now := time.Now()
	msg := NewMessage(testTopicArn, "381515276957", "subject", TextBody("hello"), now)

	assert.NotEmpty(t, msg.MessageID)
	assert.Equal(t, testTopicArn, msg.TopicArn)
	assert.Equal(t, "381515276957", msg.AccountID)
	assert.Equal(t, now, msg.Timestamp)
	assert.Equal(t, "hello", msg.BodyFor(ProtocolHTTP))
	assert.NoError(t, msg.Validate())

	other := NewMessage(testTopicArn, "381515276957", "subject", TextBody("hello"), now)
	assert.NotEqual(t, msg.MessageID, other.MessageID)
}

func TestMessage_Validate(t *testing.T) {
	valid := NewMessage(testTopicArn, "1", "", TextBody("x"), time.Now())

	noTopic := valid
	noTopic.TopicArn = ""
	assert.Error(t, noTopic.Validate())

	noID := valid
	noID.MessageID = ""
	assert.Error(t, noID.Validate())

	noTime := valid
	noTime.Timestamp = time.Time{}
	assert.Error(t, noTime.Validate())

	badOverride := valid
	badOverride.Body.Overrides = map[Protocol]string{"pigeon": "x"}
	assert.Error(t, badOverride.Validate())
}

func TestProtocol(t *testing.T) {
	for i, p := range Protocols() {
		assert.Equal(t, i, p.Code())
		back, err := ProtocolFromCode(i)
		require.NoError(t, err)
		assert.Equal(t, p, back)
	}

	_, err := ProtocolFromCode(42)
	assert.Error(t, err)
	assert.Equal(t, -1, Protocol("pigeon").Code())

	p, err := ParseProtocol("internal-queue")
	require.NoError(t, err)
	assert.Equal(t, ProtocolCQS, p)

	p, err = ParseProtocol(" HTTPS ")
	require.NoError(t, err)
	assert.Equal(t, ProtocolHTTPS, p)

	_, err = ParseProtocol("")
	assert.Error(t, err)

	assert.True(t, ProtocolCQS.IsQueue())
	assert.False(t, ProtocolHTTP.IsQueue())
}

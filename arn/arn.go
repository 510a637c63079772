// Package arn builds and validates the resource names used for topics and subscriptions.
//
// Topic ARN:        arn:cmb:cns:<region>:<account-id>:<topic-name>
// Subscription ARN: <topic-arn>:<uuid>
package arn

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	prefix  = "arn:cmb:cns:"
	segment = ":"
)

var (
	regionPattern  = regexp.MustCompile(`^[A-Za-z0-9-]+$`)
	accountPattern = regexp.MustCompile(`^[0-9]+$`)
	topicPattern   = regexp.MustCompile(`^[A-Za-z0-9_-]{1,256}$`)
)

// Validator implements the ARN checks used by subscription validation.
type Validator struct{}

// IsValidTopicArn reports whether s is a well-formed topic ARN.
func (Validator) IsValidTopicArn(s string) bool {
	return IsValidTopicArn(s)
}

// IsValidSubscriptionArn reports whether s is a well-formed subscription ARN.
func (Validator) IsValidSubscriptionArn(s string) bool {
	return IsValidSubscriptionArn(s)
}

// IsValidTopicArn reports whether s is a well-formed topic ARN.
func IsValidTopicArn(s string) bool {
	region, account, topic, ok := splitTopic(s)
	if !ok {
		return false
	}
	return regionPattern.MatchString(region) &&
		accountPattern.MatchString(account) &&
		topicPattern.MatchString(topic)
}

// IsValidSubscriptionArn reports whether s is a topic ARN followed by a UUID segment.
func IsValidSubscriptionArn(s string) bool {
	topicArn, id, ok := cutLast(s)
	if !ok || !IsValidTopicArn(topicArn) {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil && len(id) == 36
}

// NewTopicArn builds a topic ARN.
func NewTopicArn(region, accountID, name string) (string, error) {
	s := prefix + region + segment + accountID + segment + name
	if !IsValidTopicArn(s) {
		return "", fmt.Errorf("invalid topic arn components: region=%q account=%q name=%q", region, accountID, name)
	}
	return s, nil
}

// NewSubscriptionArn derives a fresh subscription ARN under topicArn.
func NewSubscriptionArn(topicArn string) (string, error) {
	if !IsValidTopicArn(topicArn) {
		return "", fmt.Errorf("invalid topic arn: %q", topicArn)
	}
	return topicArn + segment + uuid.NewString(), nil
}

// TopicArnOf returns the topic ARN that owns a subscription ARN.
func TopicArnOf(subscriptionArn string) (string, error) {
	if !IsValidSubscriptionArn(subscriptionArn) {
		return "", fmt.Errorf("invalid subscription arn: %q", subscriptionArn)
	}
	topicArn, _, _ := cutLast(subscriptionArn)
	return topicArn, nil
}

// AccountOf returns the account id segment of a topic or subscription ARN.
func AccountOf(s string) (string, error) {
	topicArn := s
	if IsValidSubscriptionArn(s) {
		topicArn, _, _ = cutLast(s)
	}
	_, account, _, ok := splitTopic(topicArn)
	if !ok || !IsValidTopicArn(topicArn) {
		return "", fmt.Errorf("invalid arn: %q", s)
	}
	return account, nil
}

func splitTopic(s string) (region, account, topic string, ok bool) {
	rest, found := strings.CutPrefix(s, prefix)
	if !found {
		return "", "", "", false
	}
	parts := strings.Split(rest, segment)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func cutLast(s string) (head, tail string, ok bool) {
	i := strings.LastIndex(s, segment)
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

// Package queue relays workflow notifications to an SQS queue for
// downstream consumers.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"opsdeck/internal/notifications/core"
	"opsdeck/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Envelope is the JSON body placed on the queue.
type Envelope struct {
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	HTML     string         `json:"html,omitempty"`
	URL      string         `json:"url,omitempty"`
	Tag      string         `json:"tag,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	QueuedAt time.Time      `json:"queued_at"`
}

// Channel implements core.Channel over SQS. FIFO queues (URL ending in
// ".fifo") get a message group and a deduplication ID derived from the tag,
// so a retried send inside the SQS dedup window is not delivered twice.
type Channel struct {
	client   SQSSender
	queueURL string
	clock    types.Clock
	logger   types.Logger
}

var _ core.Channel = (*Channel)(nil)

// NewChannel creates a Channel publishing to queueURL.
func NewChannel(client SQSSender, queueURL string, logger types.Logger) *Channel {
	if logger == nil {
		logger = types.NewSlogLogger(nil)
	}
	return &Channel{
		client:   client,
		queueURL: queueURL,
		clock:    types.RealClock{},
		logger:   logger.With("channel", string(types.ChannelQueue)),
	}
}

// Type returns types.ChannelQueue.
func (c *Channel) Type() types.ChannelType {
	return types.ChannelQueue
}

// Send serializes msg into an Envelope and enqueues it.
func (c *Channel) Send(ctx context.Context, msg types.Message) error {
	env := Envelope{
		ID:       uuid.NewString(),
		Title:    msg.Title,
		Body:     msg.Body,
		HTML:     msg.HTML,
		URL:      msg.URL,
		Tag:      msg.Tag,
		Data:     msg.Data,
		QueuedAt: c.clock.Now(),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal queue envelope", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(c.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"source": {
				DataType:    aws.String("String"),
				StringValue: aws.String("automation"),
			},
		},
	}
	if msg.Tag != "" {
		input.MessageAttributes["tag"] = sqsTypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(msg.Tag),
		}
	}
	if strings.HasSuffix(c.queueURL, ".fifo") {
		input.MessageGroupId = aws.String("automation")
		input.MessageDeduplicationId = aws.String(dedupID(msg.Tag, env.ID))
	}

	out, err := c.client.SendMessage(ctx, input)
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue, "failed to send SQS message", err)
	}
	c.logger.Info("notification enqueued", "message_id", aws.ToString(out.MessageId), "tag", msg.Tag)
	return nil
}

// dedupID hashes the tag into the 128-char SQS limit. Untagged messages fall
// back to the envelope ID.
func dedupID(tag, fallback string) string {
	if tag == "" {
		return fallback
	}
	sum := sha256.Sum256([]byte(tag))
	return hex.EncodeToString(sum[:])
}

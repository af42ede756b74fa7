// Package queue is the AWS SQS-backed job queue client: one execution
// message enqueued per backfilled block height.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/near/historical-backfiller/internal/errs"
	"github.com/near/historical-backfiller/internal/registrytypes"
)

// Message is one execution job for the downstream executor.
type Message struct {
	ChainID         string                        `json:"chain_id"`
	IndexerRuleID   int64                         `json:"indexer_rule_id"`
	IndexerRuleName string                        `json:"indexer_rule_name"`
	Payload         json.RawMessage               `json:"payload,omitempty"`
	BlockHeight     uint64                        `json:"block_height"`
	IndexerFunction registrytypes.IndexerIdentity `json:"indexer_function"`
	IsHistorical    bool                          `json:"is_historical"`
	Provisioned     bool                          `json:"provisioned"`
}

// Enqueuer is the dependency the Backfill Pipeline needs, so tests can
// substitute a hand-written fake for live SQS.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg Message) error
}

// Client enqueues execution messages onto a single configured SQS queue URL.
type Client struct {
	api      *sqs.Client
	queueURL string
}

func New(ctx context.Context, region, queueURL string) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", errs.ErrTransport, err)
	}

	return &Client{api: sqs.NewFromConfig(cfg), queueURL: queueURL}, nil
}

var _ Enqueuer = (*Client)(nil)

// Enqueue JSON-marshals msg and sends it as one SQS message body.
func (c *Client) Enqueue(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: marshal queue message: %v", errs.ErrDecode, err)
	}

	_, err = c.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(c.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("%w: send queue message: %v", errs.ErrTransport, err)
	}
	return nil
}

// Package archive uploads a call's transcript to S3 on its terminal
// transition. Like the Postgres mirror, this is a best-effort side channel:
// a single bounded-timeout attempt, no retry, failure only logged.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/clawd-ai/supercall/internal/callmgr"
)

// Config configures the S3 archive sink.
type Config struct {
	Logger  *slog.Logger
	Bucket  string
	Prefix  string
	Timeout time.Duration
}

// Archive is the Sink passed to callmgr.Manager.AddReportSink.
type Archive struct {
	logger  *slog.Logger
	client  *s3.Client
	bucket  string
	prefix  string
	timeout time.Duration
}

// Open loads AWS credentials the standard SDK way (environment, shared
// config file, or the task/instance role) and returns an Archive ready to
// receive terminal call records.
func Open(ctx context.Context, cfg Config) (*Archive, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	return &Archive{
		logger:  logger,
		client:  s3.NewFromConfig(awsCfg),
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		timeout: timeout,
	}, nil
}

type transcriptDocument struct {
	CallID         string                     `json:"callId"`
	ProviderCallID string                     `json:"providerCallId"`
	From           string                     `json:"from"`
	To             string                     `json:"to"`
	EndReason      string                     `json:"endReason"`
	Transcript     []callmgr.TranscriptEntry  `json:"transcript"`
}

// Write uploads rec's transcript as a single JSON object keyed by call ID.
// It is safe to call from the call manager's completion hook: it never
// blocks longer than the configured timeout.
func (a *Archive) Write(rec *callmgr.CallRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	doc := transcriptDocument{
		CallID:         rec.CallID,
		ProviderCallID: rec.ProviderCallID,
		From:           rec.From,
		To:             rec.To,
		EndReason:      rec.EndReason,
		Transcript:     rec.Transcript,
	}
	body, err := json.Marshal(doc)
	if err != nil {
		a.logger.Warn("archive: marshal transcript failed", "callId", rec.CallID, "error", err)
		return
	}

	key := objectKey(a.prefix, rec.CallID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		a.logger.Warn("archive: upload failed", "callId", rec.CallID, "key", key, "error", err)
	}
}

func objectKey(prefix, callID string) string {
	return fmt.Sprintf("%s%s.json", prefix, callID)
}

package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// sqsBatchMax is the SQS limit for batch delete and visibility entries.
const sqsBatchMax = 10

type SQSConfig struct {
	WaitTimeSeconds int32
	MaxMessages     int32
	VisibilityTO    int32

	Pollers int
	BufSize int

	// FailVisibilityTimeoutSeconds, when set, is applied to a message whose
	// document failed to transform so it is redelivered after that delay.
	FailVisibilityTimeoutSeconds *int32
}

var DefaultSQSConfig = SQSConfig{
	WaitTimeSeconds: 20,
	MaxMessages:     10,
	VisibilityTO:    30,
	Pollers:         1,
	BufSize:         16,
}

func (c SQSConfig) Validate() error {
	switch {
	case c.WaitTimeSeconds < 0 || c.WaitTimeSeconds > 20:
		return errors.New("wait time seconds must be between 0 and 20")
	case c.MaxMessages < 1 || c.MaxMessages > 10:
		return errors.New("max messages must be between 1 and 10")
	case c.VisibilityTO < 0:
		return errors.New("visibility timeout must be non-negative")
	case c.Pollers < 1:
		return errors.New("pollers must be at least 1")
	case c.BufSize < 1:
		return errors.New("buffer size must be at least 1")
	case c.FailVisibilityTimeoutSeconds != nil && *c.FailVisibilityTimeoutSeconds < 0:
		return errors.New("fail visibility timeout seconds must be non-negative")
	}
	return nil
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	ChangeMessageVisibilityBatch(ctx context.Context, params *sqs.ChangeMessageVisibilityBatchInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error)
}

// SQS receives XML documents published to a queue, one document per message
// body.
type SQS struct {
	cfg SQSConfig

	client      sqsAPI
	queueURL    string
	queueURLPtr *string

	bufCh chan *sqstypes.Message

	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewSQS starts cfg.Pollers long-polling goroutines bound to ctx. It panics
// on a nil client, empty queue URL or invalid config.
func NewSQS(ctx context.Context, client sqsAPI, queueURL string, cfg SQSConfig) *SQS {
	s := newSQS(client, queueURL, cfg)
	pollCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.startPollers(pollCtx)
	return s
}

func newSQS(client sqsAPI, queueURL string, cfg SQSConfig) *SQS {
	if client == nil {
		panic("sqs client is required")
	}
	if queueURL == "" {
		panic("queue url is required")
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	s := &SQS{
		cfg:      cfg,
		client:   client,
		queueURL: queueURL,
		bufCh:    make(chan *sqstypes.Message, cfg.BufSize),
		cancel:   func() {},
	}
	s.queueURLPtr = &s.queueURL
	return s
}

func (s *SQS) startPollers(ctx context.Context) {
	s.wg.Add(s.cfg.Pollers)
	for i := 0; i < s.cfg.Pollers; i++ {
		go func() {
			defer s.wg.Done()
			s.pollLoop(ctx)
		}()
	}
	go func() {
		s.wg.Wait()
		close(s.bufCh)
	}()
}

func (s *SQS) pollLoop(ctx context.Context) {
	for ctx.Err() == nil {
		reqCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.WaitTimeSeconds+5)*time.Second)
		out, err := s.client.ReceiveMessage(reqCtx, &sqs.ReceiveMessageInput{
			QueueUrl:                    s.queueURLPtr,
			MaxNumberOfMessages:         s.cfg.MaxMessages,
			WaitTimeSeconds:             s.cfg.WaitTimeSeconds,
			VisibilityTimeout:           s.cfg.VisibilityTO,
			MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{sqstypes.MessageSystemAttributeNameSentTimestamp},
		})
		cancel()

		if err != nil {
			select {
			case <-time.After(250 * time.Millisecond):
				continue
			case <-ctx.Done():
				return
			}
		}

		for i := range out.Messages {
			select {
			case s.bufCh <- &out.Messages[i]:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close stops the pollers. Buffered messages are still delivered; after that
// Receive returns ErrClosed.
func (s *SQS) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
	})
}

func (s *SQS) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case m, ok := <-s.bufCh:
		if !ok {
			return nil, ErrClosed
		}
		return &sqsMessage{src: s, m: m}, nil
	}
}

// AckBatch deletes msgs from the queue. Every message must come from this
// source.
func (s *SQS) AckBatch(ctx context.Context, msgs []Message) error {
	metas := make([]AckMetadata, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		am, ok := m.(ackMetable)
		if !ok {
			return fmt.Errorf("message does not support AckMeta(): %T", m)
		}
		meta, ok := am.AckMeta()
		if !ok {
			return fmt.Errorf("message %T has no receipt handle", m)
		}
		metas = append(metas, meta)
	}
	return s.AckBatchMeta(ctx, metas)
}

// AckBatchMeta deletes messages by id/receipt handle in chunks of ten.
func (s *SQS) AckBatchMeta(ctx context.Context, metas []AckMetadata) error {
	in := sqs.DeleteMessageBatchInput{QueueUrl: s.queueURLPtr}
	entries := make([]sqstypes.DeleteMessageBatchRequestEntry, 0, sqsBatchMax)

	return eachChunk(metas, func(chunk []AckMetadata) error {
		entries = entries[:0]
		for j := range chunk {
			entries = append(entries, sqstypes.DeleteMessageBatchRequestEntry{
				Id:            &chunk[j].ID,
				ReceiptHandle: &chunk[j].Handle,
			})
		}
		in.Entries = entries
		out, err := s.client.DeleteMessageBatch(ctx, &in)
		if err != nil {
			return err
		}
		return batchFailure("sqs delete", out.Failed)
	})
}

func (s *SQS) ExtendVisibilityBatch(ctx context.Context, metas []AckMetadata, visibilityTimeoutSeconds int32) error {
	in := sqs.ChangeMessageVisibilityBatchInput{QueueUrl: s.queueURLPtr}
	entries := make([]sqstypes.ChangeMessageVisibilityBatchRequestEntry, 0, sqsBatchMax)

	return eachChunk(metas, func(chunk []AckMetadata) error {
		entries = entries[:0]
		for j := range chunk {
			entries = append(entries, sqstypes.ChangeMessageVisibilityBatchRequestEntry{
				Id:                &chunk[j].ID,
				ReceiptHandle:     &chunk[j].Handle,
				VisibilityTimeout: visibilityTimeoutSeconds,
			})
		}
		in.Entries = entries
		out, err := s.client.ChangeMessageVisibilityBatch(ctx, &in)
		if err != nil {
			return err
		}
		return batchFailure("sqs visibility batch", out.Failed)
	})
}

// eachChunk copies metas so request entries never alias the caller's slice.
func eachChunk(metas []AckMetadata, fn func([]AckMetadata) error) error {
	if len(metas) == 0 {
		return nil
	}
	own := append([]AckMetadata(nil), metas...)
	for i := 0; i < len(own); i += sqsBatchMax {
		end := min(i+sqsBatchMax, len(own))
		if err := fn(own[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func batchFailure(op string, failed []sqstypes.BatchResultErrorEntry) error {
	if len(failed) == 0 {
		return nil
	}
	f := failed[0]
	return fmt.Errorf("%s failed (%d entries) id=%s code=%s message=%s",
		op, len(failed), aws.ToString(f.Id), aws.ToString(f.Code), aws.ToString(f.Message))
}

type sqsMessage struct {
	src *SQS
	m   *sqstypes.Message
}

func (m *sqsMessage) Data() Envelope {
	attrs := map[string]string{"message_id": aws.ToString(m.m.MessageId)}
	if ts, ok := m.m.Attributes[string(sqstypes.MessageSystemAttributeNameSentTimestamp)]; ok {
		attrs["sent_timestamp"] = ts
	}
	return Envelope{Payload: aws.ToString(m.m.Body), Attributes: attrs}
}

func (m *sqsMessage) AckMeta() (AckMetadata, bool) {
	rh := aws.ToString(m.m.ReceiptHandle)
	if rh == "" {
		return AckMetadata{}, false
	}
	id := aws.ToString(m.m.MessageId)
	if id == "" {
		// Batch entry ids only need to be unique within one request.
		id = fmt.Sprintf("rh-%d", time.Now().UnixNano())
	}
	return AckMetadata{ID: id, Handle: rh}, true
}

func (m *sqsMessage) EstimatedSizeBytes() (int64, bool) {
	return int64(len(aws.ToString(m.m.Body))), true
}

func (m *sqsMessage) Fail(ctx context.Context, _ error) error {
	if m.src.cfg.FailVisibilityTimeoutSeconds == nil {
		return nil
	}
	_, err := m.src.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          m.src.queueURLPtr,
		ReceiptHandle:     m.m.ReceiptHandle,
		VisibilityTimeout: *m.src.cfg.FailVisibilityTimeoutSeconds,
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

package ingestor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/parquet-go/parquet-go"

	"github.com/baldanca/occupancy-transform/batcher"
	"github.com/baldanca/occupancy-transform/encoder"
	"github.com/baldanca/occupancy-transform/schema"
	"github.com/baldanca/occupancy-transform/sink"
	"github.com/baldanca/occupancy-transform/source"
	"github.com/baldanca/occupancy-transform/transformer"
)

// memQueue serves a fixed set of bodies once and records deletions.
type memQueue struct {
	mu      sync.Mutex
	pending []sqstypes.Message
	deleted []string
	failed  []string
}

func newMemQueue(bodies ...string) *memQueue {
	q := &memQueue{}
	for i, b := range bodies {
		q.pending = append(q.pending, sqstypes.Message{
			MessageId:     aws.String(fmt.Sprintf("m-%d", i+1)),
			ReceiptHandle: aws.String(fmt.Sprintf("rh-%d", i+1)),
			Body:          aws.String(b),
		})
	}
	return q
}

func (q *memQueue) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	q.mu.Lock()
	n := min(int(in.MaxNumberOfMessages), len(q.pending))
	out := append([]sqstypes.Message(nil), q.pending[:n]...)
	q.pending = q.pending[n:]
	q.mu.Unlock()

	if n == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return &sqs.ReceiveMessageOutput{Messages: out}, nil
}

func (q *memQueue) DeleteMessageBatch(ctx context.Context, in *sqs.DeleteMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range in.Entries {
		q.deleted = append(q.deleted, aws.ToString(e.ReceiptHandle))
	}
	return &sqs.DeleteMessageBatchOutput{}, nil
}

func (q *memQueue) ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, aws.ToString(in.ReceiptHandle))
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (q *memQueue) ChangeMessageVisibilityBatch(ctx context.Context, in *sqs.ChangeMessageVisibilityBatchInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error) {
	return &sqs.ChangeMessageVisibilityBatchOutput{}, nil
}

func (q *memQueue) deletedHandles() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.deleted...)
}

func (q *memQueue) failedHandles() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.failed...)
}

type memObject struct {
	key         string
	contentType string
	body        []byte
}

// memBucket records every PutObject; putErr makes all uploads fail.
type memBucket struct {
	mu      sync.Mutex
	objects []memObject
	putErr  error
}

func (b *memBucket) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if b.putErr != nil {
		return nil, b.putErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects = append(b.objects, memObject{
		key:         aws.ToString(in.Key),
		contentType: aws.ToString(in.ContentType),
		body:        body,
	})
	return &s3.PutObjectOutput{}, nil
}

func (b *memBucket) snapshot() []memObject {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]memObject(nil), b.objects...)
}

func readFixture(t *testing.T) string {
	t.Helper()
	b, err := os.ReadFile("testdata/occupancy.xml")
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return string(b)
}

const emptyCollection = `<ArrayOfBikePointOccupancy xmlns="http://schemas.datacontract.org/2004/07/Tfl.Api.Presentation.Entities"/>`

// runUntil runs ing until cond holds, then stops it and returns Run's error.
func runUntil[T any](t *testing.T, ing *Ingestor[T], workers int, cond func() bool) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx, workers, workers) }()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		select {
		case err := <-done:
			return err
		default:
		}
		if time.Now().After(deadline) {
			cancel()
			<-done
			t.Fatalf("condition not reached before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	return <-done
}

func TestPipeline_SQSToS3_NDJSON(t *testing.T) {
	fixture := readFixture(t)
	failDelay := int32(30)

	q := newMemQueue(fixture, "<ArrayOfBikePointOccupancy><BikePointOccupancy>", emptyCollection, fixture)
	sqsCfg := source.DefaultSQSConfig
	sqsCfg.WaitTimeSeconds = 0
	sqsCfg.FailVisibilityTimeoutSeconds = &failDelay
	src := source.NewSQS(context.Background(), q, "https://sqs.local/occupancy", sqsCfg)
	defer src.Close()

	bucket := &memBucket{}
	enc := encoder.NDJSON[transformer.OutputRecord]{}

	cfg := batcher.DefaultBatcherConfig
	cfg.MaxItems = 6
	ing, err := NewIngestor[transformer.OutputRecord](cfg, src, transformer.New(schema.BikePoints), enc,
		sink.NewS3(bucket, "lake-bucket", "occupancy/"), DefaultKeyFunc[transformer.OutputRecord](enc))
	if err != nil {
		t.Fatal(err)
	}

	err = runUntil(t, ing, 1, func() bool { return len(q.deletedHandles()) == 3 })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := strings.Join(q.deletedHandles(), ","); got != "rh-1,rh-3,rh-4" {
		t.Fatalf("deleted=%s", got)
	}
	if got := strings.Join(q.failedHandles(), ","); got != "rh-2" {
		t.Fatalf("failed=%s", got)
	}

	objs := bucket.snapshot()
	if len(objs) != 1 {
		t.Fatalf("objects=%d want=1", len(objs))
	}
	if !regexp.MustCompile(`^occupancy/\d{4}/\d{2}/\d{2}/\d{2}/\d+-[0-9a-f]{16}\.ndjson$`).MatchString(objs[0].key) {
		t.Fatalf("key=%q", objs[0].key)
	}
	if objs[0].contentType != "application/x-ndjson" {
		t.Fatalf("contentType=%q", objs[0].contentType)
	}

	lines := []string{
		`{"BikesCount":1,"EBikesCount":0,"EmptyDocks":18,"Id":"BikePoints_1","Name":"River Street , Clerkenwell","StandardBikesCount":0,"TotalDocks":19}`,
		`{"BikesCount":19,"EBikesCount":2,"EmptyDocks":17,"Id":"BikePoints_2","Name":"Phillimore Gardens, Kensington","StandardBikesCount":17,"TotalDocks":37}`,
		`{"BikesCount":7,"EBikesCount":1,"EmptyDocks":24,"Id":"BikePoints_3","Name":"Christopher Street, Liverpool Street","StandardBikesCount":6,"TotalDocks":32}`,
	}
	want := strings.Join(append(lines, lines...), "\n")
	if string(objs[0].body) != want {
		t.Fatalf("body:\n%s\nwant:\n%s", objs[0].body, want)
	}
}

func TestPipeline_SQSToS3_Parquet(t *testing.T) {
	q := newMemQueue(readFixture(t), emptyCollection)
	sqsCfg := source.DefaultSQSConfig
	sqsCfg.WaitTimeSeconds = 0
	src := source.NewSQS(context.Background(), q, "https://sqs.local/occupancy", sqsCfg)
	defer src.Close()

	bucket := &memBucket{}
	enc := encoder.Parquet[schema.Occupancy]{Compression: "snappy"}

	cfg := batcher.DefaultBatcherConfig
	cfg.FlushInterval = 20 * time.Millisecond
	ing, err := NewIngestor[schema.Occupancy](cfg, src, transformer.NewEntities(schema.BikePoints), enc,
		sink.NewS3(bucket, "lake-bucket", ""), DefaultKeyFunc[schema.Occupancy](enc))
	if err != nil {
		t.Fatal(err)
	}

	if err := runUntil(t, ing, 1, func() bool { return len(q.deletedHandles()) == 2 }); err != nil {
		t.Fatalf("Run: %v", err)
	}

	objs := bucket.snapshot()
	if len(objs) != 1 {
		t.Fatalf("objects=%d want=1", len(objs))
	}
	body := objs[0].body
	if !strings.HasSuffix(objs[0].key, ".parquet") || objs[0].contentType != "application/vnd.apache.parquet" {
		t.Fatalf("key=%q contentType=%q", objs[0].key, objs[0].contentType)
	}
	if !bytes.HasPrefix(body, []byte("PAR1")) || !bytes.HasSuffix(body, []byte("PAR1")) {
		t.Fatalf("missing parquet magic")
	}

	r := parquet.NewGenericReader[schema.Occupancy](bytes.NewReader(body))
	defer r.Close()
	rows := make([]schema.Occupancy, 4)
	n, err := r.Read(rows)
	if err != nil && err != io.EOF {
		t.Fatalf("read parquet: %v", err)
	}
	if n != 3 || rows[1].Id != "BikePoints_2" || rows[1].TotalDocks != 37 {
		t.Fatalf("n=%d rows=%+v", n, rows[:n])
	}
}

func TestPipeline_DoesNotAckIfSinkFails(t *testing.T) {
	q := newMemQueue(readFixture(t))
	sqsCfg := source.DefaultSQSConfig
	sqsCfg.WaitTimeSeconds = 0
	src := source.NewSQS(context.Background(), q, "https://sqs.local/occupancy", sqsCfg)
	defer src.Close()

	enc := encoder.NDJSON[transformer.OutputRecord]{}
	cfg := batcher.DefaultBatcherConfig
	cfg.MaxItems = 3
	ing, err := NewIngestor[transformer.OutputRecord](cfg, src, transformer.New(schema.BikePoints), enc,
		sink.NewS3(&memBucket{putErr: fmt.Errorf("service unavailable")}, "lake-bucket", ""),
		DefaultKeyFunc[transformer.OutputRecord](enc))
	if err != nil {
		t.Fatal(err)
	}
	ing.SetRetryPolicy(SimpleRetry{Attempts: 3})

	err = runUntil(t, ing, 1, func() bool { return false })
	if !errors.Is(err, ErrSinkWrite) || !strings.Contains(err.Error(), "service unavailable") {
		t.Fatalf("expected sink failure, got %v", err)
	}
	if d := q.deletedHandles(); len(d) != 0 {
		t.Fatalf("deleted=%v, want none", d)
	}
}

type benchQueue struct{ body string }

func (q benchQueue) Receive(ctx context.Context) (source.Message, error) {
	return &tMsg{env: source.Envelope{Payload: q.body}, size: int64(len(q.body)), sizeOK: true}, nil
}

func (benchQueue) AckBatch(ctx context.Context, msgs []source.Message) error { return nil }

func BenchmarkPipeline_NDJSON(b *testing.B) {
	fixture, err := os.ReadFile("testdata/occupancy.xml")
	if err != nil {
		b.Fatal(err)
	}
	enc := encoder.NDJSON[transformer.OutputRecord]{}
	cfg := batcher.DefaultBatcherConfig
	cfg.MaxItems = 3 * 100
	cfg.ReuseBuffers = true

	ing, err := NewIngestor[transformer.OutputRecord](cfg, benchQueue{body: string(fixture)},
		transformer.New(schema.BikePoints), enc, benchSink{}, staticKeyFor[transformer.OutputRecord])
	if err != nil {
		b.Fatal(err)
	}

	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, _ := ing.source.Receive(ctx)
		if ing.processMessage(ctx, msg) {
			if err := ing.flush(ctx); err != nil {
				b.Fatal(err)
			}
		}
	}
}

func staticKeyFor[T any](ctx context.Context, _ batcher.Batch[T]) (string, error) { return "k", nil }

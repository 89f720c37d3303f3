package ingestor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/baldanca/occupancy-transform/batcher"
	"github.com/baldanca/occupancy-transform/encoder"
	"github.com/baldanca/occupancy-transform/sink"
	"github.com/baldanca/occupancy-transform/source"
	"github.com/baldanca/occupancy-transform/transformer"
)

// stopTimeout bounds the final flush after the run context is canceled.
const stopTimeout = 10 * time.Second

type KeyFunc[T any] func(ctx context.Context, batch batcher.Batch[T]) (key string, err error)

// Ingestor moves documents from a source through a transformer into batched
// objects on a sink. Messages are acknowledged only after the object holding
// their items has been written.
type Ingestor[T any] struct {
	batcherConfig batcher.BatcherConfig
	source        source.Sourcer
	transformer   transformer.Transformer[T]
	encoder       encoder.Encoder[T]
	sink          sink.Sinkr
	keyFunc       KeyFunc[T]
	logger        *slog.Logger

	retry    RetryPolicy // sink write
	ackRetry RetryPolicy // ack commit

	batcher *batcher.Batcher[T]

	// flush workers, enabled via Run(ctx, workers, queue) with workers > 1
	flushOnce    sync.Once
	flushJobs    chan flushJob[T]
	flushErrCh   chan error
	flushCancel  context.CancelFunc
	flushWG      sync.WaitGroup
	flushWorkers int
	flushQueue   int

	leaseEnabled              bool
	leaseVisibilityTimeoutSec int32
	leaseRenewEvery           time.Duration
}

type flushJob[T any] struct {
	key   string
	items []T
	acks  source.AckGroup
}

func NewIngestor[T any](
	batcherConfig batcher.BatcherConfig,
	src source.Sourcer,
	tr transformer.Transformer[T],
	enc encoder.Encoder[T],
	sk sink.Sinkr,
	keyFunc KeyFunc[T],
) (*Ingestor[T], error) {
	if src == nil {
		return nil, fmt.Errorf("source is nil")
	}
	if tr == nil {
		return nil, fmt.Errorf("transformer is nil")
	}
	if enc == nil {
		return nil, fmt.Errorf("encoder is nil")
	}
	if sk == nil {
		return nil, fmt.Errorf("sink is nil")
	}
	if keyFunc == nil {
		return nil, fmt.Errorf("keyFunc is nil")
	}

	b, err := batcher.NewBatcher[T](batcherConfig)
	if err != nil {
		return nil, err
	}

	return &Ingestor[T]{
		batcherConfig: batcherConfig,
		source:        src,
		transformer:   tr,
		encoder:       enc,
		sink:          sk,
		keyFunc:       keyFunc,
		logger:        slog.New(slog.DiscardHandler),
		retry:         nopRetry{},
		ackRetry:      nopRetry{},
		batcher:       b,
	}, nil
}

func NewDefaultIngestor[T any](
	src source.Sourcer,
	tr transformer.Transformer[T],
	enc encoder.Encoder[T],
	sk sink.Sinkr,
	keyFunc KeyFunc[T],
) (*Ingestor[T], error) {
	return NewIngestor(batcher.DefaultBatcherConfig, src, tr, enc, sk, keyFunc)
}

// SetLogger sets the logger for transform failures, flushes and shutdown.
// A nil logger discards everything.
func (i *Ingestor[T]) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	i.logger = l
}

func (i *Ingestor[T]) SetRetryPolicy(p RetryPolicy) {
	if p == nil {
		i.retry = nopRetry{}
		return
	}
	i.retry = p
}

func (i *Ingestor[T]) SetAckRetryPolicy(p RetryPolicy) {
	if p == nil {
		i.ackRetry = nopRetry{}
		return
	}
	i.ackRetry = p
}

// EnableLease keeps in-flight messages invisible while their batch is being
// written, for sources that implement source.VisibilityExtender.
func (i *Ingestor[T]) EnableLease(visibilityTimeoutSec int32, renewEvery time.Duration) {
	i.leaseEnabled = true
	i.leaseVisibilityTimeoutSec = visibilityTimeoutSec
	i.leaseRenewEvery = renewEvery
}

// Run starts the ingest loop. If flushWorkers > 1, flush (encode/write/ack) is
// done concurrently by a worker pool and the ingest loop only enqueues flush
// jobs. flushQueue bounds the number of in-flight flushes. The first flush
// error stops the loop.
//
// When ctx is canceled or the source is closed, buffered items are flushed
// before Run returns nil.
func (i *Ingestor[T]) Run(ctx context.Context, flushWorkers, flushQueue int) error {
	if flushWorkers < 1 {
		flushWorkers = 1
	}
	if flushQueue < 1 {
		flushQueue = flushWorkers
	}

	i.flushWorkers = flushWorkers
	i.flushQueue = flushQueue
	i.maybeStartFlushPool(ctx)

	for {
		if err := i.pollFlushErr(); err != nil {
			return err
		}

		if ctx.Err() != nil {
			return i.flushRemainingOnStop(ctx)
		}

		recvCtx := ctx
		var cancel context.CancelFunc
		if deadline, ok := i.batcher.Deadline(); ok {
			recvCtx, cancel = context.WithDeadline(ctx, deadline)
		}
		msg, err := i.source.Receive(recvCtx)
		if cancel != nil {
			cancel()
		}

		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
				// time-based flush
				if err := i.flush(ctx); err != nil {
					return err
				}
				continue
			case errors.Is(err, source.ErrClosed),
				errors.Is(err, context.Canceled),
				ctx.Err() != nil:
				return i.flushRemainingOnStop(ctx)
			}
			return err
		}

		if i.processMessage(ctx, msg) {
			if err := i.flush(ctx); err != nil {
				return err
			}
		}
	}
}

func (i *Ingestor[T]) maybeStartFlushPool(ctx context.Context) {
	if i.flushWorkers <= 1 {
		return
	}

	i.flushOnce.Do(func() {
		// Workers outlive ctx so queued jobs drain on stop; only a flush
		// error cancels them.
		flushCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		i.flushCancel = cancel

		i.flushJobs = make(chan flushJob[T], i.flushQueue)
		i.flushErrCh = make(chan error, 1) // first error wins

		i.flushWG.Add(i.flushWorkers)
		for w := 0; w < i.flushWorkers; w++ {
			go func() {
				defer i.flushWG.Done()
				i.flushWorker(flushCtx)
			}()
		}
	})
}

func (i *Ingestor[T]) flushWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-i.flushJobs:
			if !ok {
				return
			}
			if err := i.flushJob(ctx, job); err != nil {
				i.reportFlushErr(err)
				return
			}
		}
	}
}

// reportFlushErr records the first worker error and stops the pool.
func (i *Ingestor[T]) reportFlushErr(err error) {
	select {
	case i.flushErrCh <- err:
	default:
	}
	if i.flushCancel != nil {
		i.flushCancel()
	}
}

func (i *Ingestor[T]) pollFlushErr() error {
	if i.flushErrCh == nil {
		return nil
	}
	select {
	case err := <-i.flushErrCh:
		return err
	default:
		return nil
	}
}

// processMessage transforms one document and buffers its items. A document
// that fails to transform contributes nothing and is handed back to the
// source through Fail; it is never acknowledged.
func (i *Ingestor[T]) processMessage(ctx context.Context, msg source.Message) (flushNow bool) {
	env := msg.Data()

	sizeBytes, ok := msg.EstimatedSizeBytes()
	if !ok {
		sizeBytes = payloadSize(env.Payload)
	}

	out, err := i.transformer.Transform(ctx, env)
	if err != nil {
		i.logger.Warn("transform failed",
			"message_id", env.Attributes["message_id"],
			"size_bytes", sizeBytes,
			"err", err,
		)
		if ferr := msg.Fail(ctx, err); ferr != nil {
			i.logger.Warn("fail message", "message_id", env.Attributes["message_id"], "err", ferr)
		}
		return false
	}

	return i.batcher.Add(time.Now(), out, msg, sizeBytes)
}

func (i *Ingestor[T]) flush(ctx context.Context) error {
	if err := i.pollFlushErr(); err != nil {
		return err
	}

	batch := i.batcher.Flush()
	if batch.Empty() {
		return nil
	}

	// Every document in the window held an empty collection: nothing to
	// write, but the messages are consumed.
	if len(batch.Items) == 0 {
		i.logger.Debug("flush without items", "messages", batch.Acks.Len())
		return tag(ErrAck, i.ackRetry.Do(ctx, func(ctx context.Context) error {
			return batch.Acks.Commit(ctx, i.source)
		}))
	}

	key, err := i.keyFunc(ctx, batch)
	if err != nil {
		return tag(ErrKey, err)
	}

	if i.flushJobs != nil && i.flushWorkers > 1 {
		job := flushJob[T]{
			key:   key,
			items: append([]T(nil), batch.Items...),
			acks:  batch.Acks.Snapshot(),
		}

		select {
		case i.flushJobs <- job:
			return nil
		case err := <-i.flushErrCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return i.flushJob(ctx, flushJob[T]{key: key, items: batch.Items, acks: batch.Acks})
}

func (i *Ingestor[T]) flushJob(ctx context.Context, job flushJob[T]) error {
	start := time.Now()

	if i.leaseEnabled {
		if ext, ok := i.source.(source.VisibilityExtender); ok {
			var stop context.CancelFunc
			ctx, stop = i.startJobLease(ctx, ext, job.acks.Metas())
			defer stop()
		}
	}

	if err := i.write(ctx, job); err != nil {
		return leaseCause(ctx, err)
	}

	if err := i.ackRetry.Do(ctx, func(ctx context.Context) error {
		return job.acks.Commit(ctx, i.source)
	}); err != nil {
		return leaseCause(ctx, tag(ErrAck, err))
	}

	i.logger.Debug("flushed",
		"key", job.key,
		"items", len(job.items),
		"messages", job.acks.Len(),
		"duration", time.Since(start),
	)
	return nil
}

// write prefers streaming when both encoder and sink support it.
func (i *Ingestor[T]) write(ctx context.Context, job flushJob[T]) error {
	if streamed, err := tryStreamWrite(ctx, i.encoder, i.sink, i.retry, job.key, job.items); streamed {
		return tag(ErrSinkWrite, err)
	}

	data, err := i.encoder.Encode(ctx, job.items)
	if err != nil {
		return tag(ErrEncode, err)
	}

	contentType := i.encoder.ContentType()
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req := sink.WriteRequest{Key: job.key, Data: data, ContentType: contentType}

	return tag(ErrSinkWrite, i.retry.Do(ctx, func(ctx context.Context) error {
		return i.sink.Write(ctx, req)
	}))
}

// startJobLease renews visibility for metas until the returned cancel is
// called. A failed renewal cancels the returned context with an ErrLease
// cause, aborting the write before messages can be redelivered mid-flush.
func (i *Ingestor[T]) startJobLease(
	parent context.Context,
	ext source.VisibilityExtender,
	metas []source.AckMetadata,
) (context.Context, context.CancelFunc) {
	if len(metas) == 0 {
		return parent, func() {}
	}

	renewEvery := i.leaseRenewEvery
	if renewEvery <= 0 {
		renewEvery = 20 * time.Second
	}

	ctx, cancel := context.WithCancelCause(parent)

	go func() {
		t := time.NewTicker(renewEvery)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := ext.ExtendVisibilityBatch(ctx, metas, i.leaseVisibilityTimeoutSec); err != nil {
					if ctx.Err() == nil {
						cancel(tag(ErrLease, err))
					}
					return
				}
			}
		}
	}()

	return ctx, func() { cancel(nil) }
}

// leaseCause replaces a cancellation error with the lease failure that
// caused it.
func leaseCause(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && errors.Is(cause, ErrLease) {
		return cause
	}
	return err
}

func (i *Ingestor[T]) flushRemainingOnStop(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()

	if err := i.flush(stopCtx); err != nil {
		return err
	}

	if i.flushJobs == nil || i.flushWorkers <= 1 {
		i.logger.Info("ingestor stopped")
		return nil
	}

	close(i.flushJobs)

	done := make(chan struct{})
	go func() {
		i.flushWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-stopCtx.Done():
		return stopCtx.Err()
	}
	if err := i.pollFlushErr(); err != nil {
		return err
	}
	i.logger.Info("ingestor stopped")
	return nil
}

// DefaultKeyFunc partitions objects by UTC hour and adds a random suffix so
// concurrent flush workers never collide.
func DefaultKeyFunc[T any](enc encoder.Encoder[T]) KeyFunc[T] {
	ext := enc.FileExtension()
	if ext == "" || ext[0] != '.' {
		ext = ".bin"
	}
	return func(ctx context.Context, batch batcher.Batch[T]) (string, error) {
		now := time.Now().UTC()
		suffix, err := randomHex(8)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%04d/%02d/%02d/%02d/%d-%s%s",
			now.Year(), int(now.Month()), now.Day(), now.Hour(), now.UnixNano(), suffix, ext,
		), nil
	}
}

func payloadSize(p any) int64 {
	switch v := p.(type) {
	case []byte:
		return int64(len(v))
	case string:
		return int64(len(v))
	case transformer.InputRecord:
		return int64(len(v.Value))
	default:
		return 0
	}
}

func randomHex(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

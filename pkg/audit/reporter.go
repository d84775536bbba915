package audit

import (
	"context"

	"github.com/ruslano69/loadmulti/pkg/buffer"
	"github.com/ruslano69/loadmulti/pkg/loaddata"
)

// Reporter превращает результаты записи и dead letter в записи аудита
type Reporter struct {
	Logger Logger
}

// ReportWrite реализует loaddata.Reporter
func (r Reporter) ReportWrite(ctx context.Context, res *loaddata.Result, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusFailure
	}
	entry := NewEntry(OpWrite, status).
		WithDestination(res.Destination.Database, res.Destination.Table).
		WithChunk(res.ChunkID).
		WithCounts(res.Records, res.RowsAffected).
		WithDuration(res.Duration).
		WithError(err).
		WithData(res)
	entry.LoadedTable = res.LoadedTable
	entry.Checksum = res.Checksum
	entry.State = res.State
	if res.Bytes > 0 {
		entry.WithMetadata("bytes", res.Bytes)
	}
	r.Logger.Log(ctx, entry)
}

// ReportDeadLetter реализует buffer.DeadLetterReporter
func (r Reporter) ReportDeadLetter(ctx context.Context, dl buffer.DeadLetter) {
	entry := NewEntry(OpDeadLetter, StatusFailure).
		WithChunk(dl.ChunkID).
		WithCounts(int64(dl.Records), 0).
		WithError(dl.Err).
		WithMetadata("tag", dl.Metadata.Tag).
		WithMetadata("attempts", dl.Attempts).
		WithMetadata("failure_type", dl.FailureType)
	if dl.Secondary != "" {
		entry.WithMetadata("secondary", dl.Secondary)
	}
	if dl.DLQID != "" {
		entry.WithMetadata("dlq_id", dl.DLQID)
	}
	r.Logger.Log(ctx, entry)
}

// LogLifecycle записывает запуск или остановку
func LogLifecycle(ctx context.Context, l Logger, op Operation, err error) {
	entry := NewEntry(op, StatusSuccess).WithError(err)
	l.Log(ctx, entry)
}

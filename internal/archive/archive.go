// Package archive keeps a parquet history of every published run in S3, one
// file per run partitioned by date.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "maflow/config"
	"maflow/internal/metric"
	"maflow/logger"
)

const defaultPrefix = "archive"

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

// runRecord defines the parquet schema for one archived ticker metric.
type runRecord struct {
	RunID           string  `parquet:"name=run_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol          string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price           float64 `parquet:"name=price, type=DOUBLE"`
	MovingAverage   float64 `parquet:"name=ma_150, type=DOUBLE"`
	DistancePercent float64 `parquet:"name=distance_percent, type=DOUBLE"`
	DistanceAbs     float64 `parquet:"name=distance_abs, type=DOUBLE"`
	Direction       string  `parquet:"name=direction, type=BYTE_ARRAY, convertedtype=UTF8"`
	NearMA          bool    `parquet:"name=near_ma, type=BOOLEAN"`
	ArchivedAt      int64   `parquet:"name=archived_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// Writer uploads a snappy-compressed parquet file per completed run.
type Writer struct {
	client *s3.Client
	bucket string
	prefix string
	log    *logger.Log
	now    func() time.Time
}

// NewWriter builds the archive writer from the S3 store configuration.
func NewWriter(ctx context.Context, s3cfg appconfig.S3Config, cfg appconfig.ArchiveConfig) (*Writer, error) {
	if s3cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket not configured")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(s3cfg.Region)}
	if s3cfg.AccessKeyID != "" && s3cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3cfg.AccessKeyID, s3cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
		}
		o.UsePathStyle = s3cfg.PathStyle
	})

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}

	w := &Writer{
		client: client,
		bucket: s3cfg.Bucket,
		prefix: prefix,
		log:    logger.GetLogger(),
		now:    time.Now,
	}
	w.log.WithComponent("archive").WithFields(logger.Fields{
		"bucket": s3cfg.Bucket,
		"prefix": prefix,
	}).Info("run archive initialized")
	return w, nil
}

// Archive writes the run's metrics as one parquet object under a dt=YYYY-MM-DD
// partition.
func (w *Writer) Archive(ctx context.Context, runID string, metrics []metric.StockMetric) error {
	if len(metrics) == 0 {
		return nil
	}

	archivedAt := w.now().UTC()
	data, err := createParquet(runID, metrics, archivedAt)
	if err != nil {
		return fmt.Errorf("create parquet: %w", err)
	}

	key := fmt.Sprintf("%s/dt=%s/run-%s.parquet", w.prefix, archivedAt.Format("2006-01-02"), runID)
	_, err = w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		logger.IncrementStoreFailure()
		return fmt.Errorf("upload archive: %w", err)
	}

	logger.IncrementStoreWrite(int64(len(data)))
	w.log.WithComponent("archive").WithFields(logger.Fields{
		"s3_key":  key,
		"records": len(metrics),
		"bytes":   len(data),
	}).Info("run archived")
	return nil
}

func createParquet(runID string, metrics []metric.StockMetric, archivedAt time.Time) ([]byte, error) {
	mf := newMemFile()
	pw, err := writer.NewParquetWriter(mf, new(runRecord), 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	ts := archivedAt.UnixMilli()
	for _, m := range metrics {
		rec := runRecord{
			RunID:           runID,
			Symbol:          m.Symbol,
			Price:           m.Price,
			MovingAverage:   m.MovingAverage,
			DistancePercent: m.DistancePercent,
			DistanceAbs:     m.DistanceAbs,
			Direction:       string(m.Direction),
			NearMA:          m.NearMA,
			ArchivedAt:      ts,
		}
		if err := pw.Write(rec); err != nil {
			return nil, err
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mf.Bytes(), nil
}

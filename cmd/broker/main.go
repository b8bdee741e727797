// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/novatechflow/strata/pkg/broker"
	"github.com/novatechflow/strata/pkg/cache"
	"github.com/novatechflow/strata/pkg/fetch"
	"github.com/novatechflow/strata/pkg/metadata"
	"github.com/novatechflow/strata/pkg/protocol"
	"github.com/novatechflow/strata/pkg/storage"
)

const (
	defaultKafkaAddr      = ":19092"
	defaultKafkaPort      = 19092
	defaultMetricsAddr    = ":19093"
	defaultMinioBucket    = "strata"
	defaultMinioRegion    = "us-east-1"
	defaultMinioEndpoint  = "http://127.0.0.1:9000"
	defaultMinioAccessKey = "minioadmin"
	defaultMinioSecretKey = "minioadmin"
)

type handler struct {
	apiVersions          []protocol.ApiVersion
	store                metadata.Store
	s3                   storage.S3Client
	cache                *cache.SegmentCache
	logs                 map[string]map[int32]*storage.PartitionLog
	logMu                sync.Mutex
	logConfig            storage.PartitionLogConfig
	notifier             *storage.AppendNotifier
	groups               *broker.GroupRegistry
	s3Health             *broker.S3HealthMonitor
	s3Namespace          string
	brokerInfo           protocol.MetadataBroker
	logger               *slog.Logger
	autoCreateTopics     bool
	autoCreatePartitions int32
	traceKafka           bool
	maxWaitCap           time.Duration
	produceRate          *throughputTracker
	fetchRate            *throughputTracker
}

var errNoHandler = errors.New("no handler for api key")

var zeroTopicID [16]byte

func (h *handler) Handle(ctx context.Context, header *protocol.RequestHeader, req protocol.Request) (payload []byte, err error) {
	api := apiName(header.APIKey)
	if h.traceKafka {
		h.logger.Debug("received request", "api_key", header.APIKey, "api_version", header.APIVersion, "correlation", header.CorrelationID, "client_id", header.ClientID)
	}
	start := time.Now()
	defer func() {
		requestLatency.WithLabelValues(api).Observe(time.Since(start).Seconds())
		if err != nil {
			requestErrors.WithLabelValues(api).Inc()
		}
	}()

	switch req := req.(type) {
	case *protocol.ApiVersionsRequest:
		return h.handleApiVersions(header)
	case *protocol.MetadataRequest:
		return h.handleMetadata(ctx, header, req)
	case *protocol.ProduceRequest:
		return h.handleProduce(ctx, header, req)
	case *protocol.FetchRequest:
		return h.handleFetch(ctx, header, req)
	case *protocol.ListOffsetsRequest:
		return h.handleListOffsets(ctx, header, req)
	case *protocol.HeartbeatRequest:
		return h.handleHeartbeat(header, req)
	default:
		return nil, fmt.Errorf("%w: %d", errNoHandler, header.APIKey)
	}
}

// handleApiVersions always answers in the v0 layout. A newer requested
// version is reported as unsupported with the version table still attached.
func (h *handler) handleApiVersions(header *protocol.RequestHeader) ([]byte, error) {
	code := protocol.NONE
	if header.APIVersion != 0 {
		code = protocol.UNSUPPORTED_VERSION
	}
	return protocol.EncodeApiVersionsResponse(&protocol.ApiVersionsResponse{
		CorrelationID: header.CorrelationID,
		ErrorCode:     code,
		Versions:      h.apiVersions,
	})
}

func (h *handler) handleHeartbeat(header *protocol.RequestHeader, req *protocol.HeartbeatRequest) ([]byte, error) {
	code := h.groups.Heartbeat(req.GroupID, req.MemberID, req.GenerationID)
	if h.traceKafka {
		h.logger.Debug("heartbeat", "group", req.GroupID, "member", req.MemberID, "generation", req.GenerationID, "code", code)
	}
	return protocol.EncodeHeartbeatResponse(&protocol.HeartbeatResponse{
		CorrelationID: header.CorrelationID,
		ErrorCode:     code,
	}, header.APIVersion)
}

// backpressureErrorCode maps the current S3 health state to the code a
// client should see: degraded asks for a retry, anything worse is a hard
// server error.
func (h *handler) backpressureErrorCode() int16 {
	if h.s3Health.State() == broker.S3StateDegraded {
		return protocol.REQUEST_TIMED_OUT
	}
	return protocol.UNKNOWN_SERVER_ERROR
}

func (h *handler) recordS3Op(op string, elapsed time.Duration, err error) {
	s3OpLatency.WithLabelValues(op).Observe(elapsed.Seconds())
	if err != nil {
		s3OpErrors.WithLabelValues(op).Inc()
	}
	if h.s3Health != nil {
		h.s3Health.Observe(elapsed, err)
	}
}

func (h *handler) handleMetadata(ctx context.Context, header *protocol.RequestHeader, req *protocol.MetadataRequest) ([]byte, error) {
	if h.traceKafka {
		h.logger.Debug("metadata request", "topics", req.Topics, "topic_ids", len(req.TopicIDs))
	}
	if h.autoCreateTopics && req.AllowAutoTopicCreation {
		for _, name := range req.Topics {
			if strings.TrimSpace(name) == "" {
				continue
			}
			if err := h.ensureTopic(ctx, name, 0); err != nil {
				return nil, fmt.Errorf("auto-create topic %s: %w", name, err)
			}
		}
	}
	meta, err := h.lookupMetadata(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	return protocol.EncodeMetadataResponse(&protocol.MetadataResponse{
		CorrelationID: header.CorrelationID,
		Brokers:       meta.Brokers,
		ClusterID:     meta.ClusterID,
		ControllerID:  meta.ControllerID,
		Topics:        meta.Topics,
	}, header.APIVersion)
}

// lookupMetadata resolves by topic ID when the request carries any non-zero
// IDs (Metadata v10+), otherwise by name. Unknown IDs come back as topic
// entries with UNKNOWN_TOPIC_ID.
func (h *handler) lookupMetadata(ctx context.Context, req *protocol.MetadataRequest) (*metadata.ClusterMetadata, error) {
	if !anyTopicID(req.TopicIDs) {
		return h.store.Metadata(ctx, req.Topics)
	}
	all, err := h.store.Metadata(ctx, nil)
	if err != nil {
		return nil, err
	}
	byID := make(map[[16]byte]protocol.MetadataTopic, len(all.Topics))
	for _, topic := range all.Topics {
		byID[topic.TopicID] = topic
	}
	resolved := make([]protocol.MetadataTopic, 0, len(req.TopicIDs))
	for _, id := range req.TopicIDs {
		if id == zeroTopicID {
			continue
		}
		topic, ok := byID[id]
		if !ok {
			topic = protocol.MetadataTopic{
				ErrorCode: protocol.UNKNOWN_TOPIC_ID,
				TopicID:   id,
			}
		}
		resolved = append(resolved, topic)
	}
	out := *all
	out.Topics = resolved
	return &out, nil
}

func anyTopicID(ids [][16]byte) bool {
	for _, id := range ids {
		if id != zeroTopicID {
			return true
		}
	}
	return false
}

func (h *handler) handleProduce(ctx context.Context, header *protocol.RequestHeader, req *protocol.ProduceRequest) ([]byte, error) {
	appendedAt := time.Now().UnixMilli()
	var appended int64
	topics := make([]protocol.ProduceTopicResponse, 0, len(req.Topics))
	for _, topic := range req.Topics {
		if h.traceKafka {
			h.logger.Debug("produce request", "topic", topic.Name, "partitions", len(topic.Partitions), "acks", req.Acks, "timeout_ms", req.TimeoutMs)
		}
		parts := make([]protocol.ProducePartitionResponse, 0, len(topic.Partitions))
		for _, part := range topic.Partitions {
			resp, count := h.appendPartition(ctx, topic.Name, part, req.Acks, appendedAt)
			parts = append(parts, resp)
			appended += count
		}
		topics = append(topics, protocol.ProduceTopicResponse{
			Name:       topic.Name,
			Partitions: parts,
		})
	}
	if appended > 0 {
		h.produceRate.add(appended)
	}

	// acks=0 means no response is owed; buffered data surfaces via the
	// background flush loop.
	if req.Acks == 0 {
		return nil, nil
	}
	return protocol.EncodeProduceResponse(&protocol.ProduceResponse{
		CorrelationID: header.CorrelationID,
		Topics:        topics,
	}, header.APIVersion)
}

// appendPartition appends one partition's record set and reports the message
// count alongside the partition response. The count is zero on any failure.
func (h *handler) appendPartition(ctx context.Context, topic string, part protocol.ProducePartition, acks int16, appendedAt int64) (protocol.ProducePartitionResponse, int64) {
	fail := func(code int16) protocol.ProducePartitionResponse {
		return protocol.ProducePartitionResponse{Partition: part.Partition, ErrorCode: code}
	}
	if state := h.s3Health.State(); state != broker.S3StateHealthy {
		if h.traceKafka {
			h.logger.Debug("produce rejected by S3 health", "topic", topic, "partition", part.Partition, "s3_state", state)
		}
		return fail(h.backpressureErrorCode()), 0
	}
	plog, err := h.getPartitionLog(ctx, topic, part.Partition)
	if err != nil {
		h.logger.Error("partition log init failed", "error", err, "topic", topic, "partition", part.Partition)
		return fail(protocol.UNKNOWN_SERVER_ERROR), 0
	}
	batch, err := storage.NewRecordBatchFromBytes(part.Records)
	if err != nil {
		if h.traceKafka {
			h.logger.Debug("produce batch decode failed", "topic", topic, "partition", part.Partition, "error", err)
		}
		return fail(protocol.UNKNOWN_SERVER_ERROR), 0
	}
	result, err := plog.AppendBatch(ctx, batch)
	if err != nil {
		if h.traceKafka {
			h.logger.Debug("produce append failed", "topic", topic, "partition", part.Partition, "error", err)
		}
		return fail(h.backpressureErrorCode()), 0
	}
	if acks != 0 {
		if err := plog.Flush(ctx); err != nil {
			h.logger.Error("flush failed", "error", err, "topic", topic, "partition", part.Partition)
			return fail(h.backpressureErrorCode()), 0
		}
	}
	return protocol.ProducePartitionResponse{
		Partition:       part.Partition,
		ErrorCode:       protocol.NONE,
		BaseOffset:      result.BaseOffset,
		LogAppendTimeMs: appendedAt,
		LogStartOffset:  plog.LogStartOffset(),
	}, int64(batch.MessageCount)
}

func (h *handler) handleListOffsets(ctx context.Context, header *protocol.RequestHeader, req *protocol.ListOffsetsRequest) ([]byte, error) {
	topics := make([]protocol.ListOffsetsTopicResponse, 0, len(req.Topics))
	for _, topic := range req.Topics {
		parts := make([]protocol.ListOffsetsPartitionResponse, 0, len(topic.Partitions))
		for _, part := range topic.Partitions {
			parts = append(parts, h.listPartitionOffset(ctx, header.APIVersion, topic.Name, part))
		}
		topics = append(topics, protocol.ListOffsetsTopicResponse{
			Name:       topic.Name,
			Partitions: parts,
		})
	}
	return protocol.EncodeListOffsetsResponse(header.APIVersion, &protocol.ListOffsetsResponse{
		CorrelationID: header.CorrelationID,
		Topics:        topics,
	})
}

// listPartitionOffset answers one ListOffsets partition query. Timestamp -2
// resolves to the earliest offset still held; any other timestamp resolves
// to the next offset to be assigned.
func (h *handler) listPartitionOffset(ctx context.Context, version int16, topic string, part protocol.ListOffsetsPartition) protocol.ListOffsetsPartitionResponse {
	resp := protocol.ListOffsetsPartitionResponse{
		Partition:   part.Partition,
		LeaderEpoch: -1,
	}

	var offset int64
	var err error
	if part.Timestamp == -2 {
		offset, err = h.earliestOffset(ctx, topic, part.Partition)
	} else {
		offset, err = h.store.NextOffset(ctx, topic, part.Partition)
	}
	if err != nil {
		resp.ErrorCode = protocol.UNKNOWN_SERVER_ERROR
		if errors.Is(err, metadata.ErrUnknownTopic) {
			resp.ErrorCode = protocol.UNKNOWN_TOPIC_OR_PARTITION
		}
		return resp
	}

	resp.Timestamp = part.Timestamp
	resp.Offset = offset
	if version == 0 {
		// v0 answers with an offset array; a single entry is produced no
		// matter how many the client asked for.
		n := part.MaxNumOffsets
		if n <= 0 {
			n = 1
		}
		resp.OldStyleOffsets = append(make([]int64, 0, n), offset)
	}
	return resp
}

func (h *handler) earliestOffset(ctx context.Context, topic string, partition int32) (int64, error) {
	plog, err := h.getPartitionLog(ctx, topic, partition)
	if err != nil {
		return 0, err
	}
	return plog.LogStartOffset(), nil
}

func (h *handler) handleFetch(ctx context.Context, header *protocol.RequestHeader, req *protocol.FetchRequest) ([]byte, error) {
	if !protocol.FetchVersionSupported(header.APIVersion) {
		return nil, fmt.Errorf("fetch version %d not supported", header.APIVersion)
	}
	if ceiling := int32(h.maxWaitCap / time.Millisecond); ceiling > 0 && req.MaxWaitMs > ceiling {
		req.MaxWaitMs = ceiling
	}
	if h.traceKafka {
		h.logger.Debug("fetch request", "version", header.APIVersion, "max_wait_ms", req.MaxWaitMs, "min_bytes", req.MinBytes, "topics", len(req.Topics))
	}
	op := fetch.NewOperation(fetch.Config{
		Reader:   h,
		Notifier: h.notifier,
		Logger:   h.logger,
	}, req, header.APIVersion, header.CorrelationID)
	resp := op.Run(ctx)
	if n := countFetchedMessages(resp); n > 0 {
		h.fetchRate.add(n)
	}
	return protocol.EncodeFetchResponse(resp, header.APIVersion)
}

func countFetchedMessages(resp *protocol.FetchResponse) int64 {
	var n int64
	for _, topic := range resp.Topics {
		for _, part := range topic.Partitions {
			if len(part.RecordSet) > 0 {
				n += int64(storage.CountRecordBatchMessages(part.RecordSet))
			}
		}
	}
	return n
}

// ReadPartition serves the fetch pipeline. Watermarks are reported even when
// the read itself fails so the response can carry partition state alongside
// the error code.
func (h *handler) ReadPartition(ctx context.Context, topic string, partition int32, cfg fetch.ReadConfig) (fetch.PartitionResult, error) {
	res := fetch.PartitionResult{
		HighWatermark:    -1,
		LastStableOffset: -1,
		LogStartOffset:   -1,
	}
	if state := h.s3Health.State(); state != broker.S3StateHealthy {
		if h.traceKafka {
			h.logger.Debug("fetch rejected by S3 health", "topic", topic, "partition", partition, "s3_state", state)
		}
		res.ErrorCode = h.backpressureErrorCode()
		return res, nil
	}
	plog, err := h.getPartitionLog(ctx, topic, partition)
	if err != nil {
		if errors.Is(err, metadata.ErrUnknownTopic) {
			return res, fmt.Errorf("%w: %s/%d", fetch.ErrUnknownPartition, topic, partition)
		}
		return res, err
	}
	hw := plog.HighWatermark()
	res.HighWatermark = hw
	res.LastStableOffset = hw
	res.LogStartOffset = plog.LogStartOffset()

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	records, err := plog.Read(ctx, storage.ReadRequest{
		Offset:   cfg.StartOffset,
		MaxBytes: cfg.MaxBytes,
		Strict:   cfg.Strict,
	})
	switch {
	case err == nil:
		res.Records = records
		return res, nil
	case errors.Is(err, storage.ErrOffsetOutOfRange):
		return res, fmt.Errorf("%w: %s/%d offset %d", fetch.ErrOffsetOutOfRange, topic, partition, cfg.StartOffset)
	default:
		return res, err
	}
}

func (h *handler) ensureTopic(ctx context.Context, topic string, partition int32) error {
	count := max(h.autoCreatePartitions, partition+1)
	_, err := h.store.CreateTopic(ctx, metadata.TopicSpec{
		Name:              topic,
		NumPartitions:     count,
		ReplicationFactor: 1,
	})
	switch {
	case err == nil:
		h.logger.Info("auto-created topic", "topic", topic, "partitions", count)
		return nil
	case errors.Is(err, metadata.ErrTopicExists):
		return nil
	default:
		return err
	}
}

func (h *handler) getPartitionLog(ctx context.Context, topic string, partition int32) (*storage.PartitionLog, error) {
	for {
		h.logMu.Lock()
		if plog, ok := h.logs[topic][partition]; ok {
			h.logMu.Unlock()
			return plog, nil
		}
		nextOffset, err := h.store.NextOffset(ctx, topic, partition)
		if err != nil {
			h.logMu.Unlock()
			if !errors.Is(err, metadata.ErrUnknownTopic) || !h.autoCreateTopics {
				return nil, err
			}
			if err := h.ensureTopic(ctx, topic, partition); err != nil {
				return nil, err
			}
			continue
		}
		plog, err := h.openPartitionLog(ctx, topic, partition, nextOffset)
		if err != nil {
			h.logMu.Unlock()
			return nil, err
		}
		if h.logs[topic] == nil {
			h.logs[topic] = make(map[int32]*storage.PartitionLog)
		}
		h.logs[topic][partition] = plog
		h.logMu.Unlock()
		return plog, nil
	}
}

// openPartitionLog builds the log for one partition and replays its S3
// state. Called with logMu held so two opens of the same partition cannot
// race.
func (h *handler) openPartitionLog(ctx context.Context, topic string, partition int32, nextOffset int64) (*storage.PartitionLog, error) {
	flushed := func(cbCtx context.Context, artifact *storage.SegmentArtifact) {
		if err := h.store.UpdateOffsets(cbCtx, topic, partition, artifact.LastOffset); err != nil {
			h.logger.Error("update offsets failed", "error", err, "topic", topic, "partition", partition)
		}
	}
	plog := storage.NewPartitionLog(h.s3Namespace, topic, partition, nextOffset, h.s3, h.cache, h.logConfig, flushed, h.recordS3Op)
	lastOffset, err := plog.RestoreFromS3(ctx)
	if err != nil {
		return nil, err
	}
	if lastOffset >= nextOffset {
		// S3 holds more than the metadata store believes; bring the store
		// forward before serving reads.
		if err := h.store.UpdateOffsets(ctx, topic, partition, lastOffset); err != nil {
			h.logger.Error("sync offsets from S3 failed", "error", err, "topic", topic, "partition", partition)
		}
	}
	return plog, nil
}

func (h *handler) partitionLogs() []*storage.PartitionLog {
	h.logMu.Lock()
	defer h.logMu.Unlock()
	var out []*storage.PartitionLog
	for _, parts := range h.logs {
		for _, plog := range parts {
			out = append(out, plog)
		}
	}
	return out
}

// flushLoop periodically flushes partition logs whose buffers have aged past
// the flush interval. This is what makes acks=0 produces visible to fetches
// without another produce forcing a flush.
func (h *handler) flushLoop(ctx context.Context) {
	interval := h.logConfig.Buffer.FlushInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, plog := range h.partitionLogs() {
			if err := plog.MaybeFlush(ctx); err != nil {
				h.logger.Warn("background flush failed", "error", err)
			}
		}
	}
}

func newHandler(store metadata.Store, s3Client storage.S3Client, brokerInfo protocol.MetadataBroker, logger *slog.Logger) *handler {
	cacheBytes := parseEnvInt("STRATA_CACHE_BYTES", 32<<20)
	if cacheBytes <= 0 {
		cacheBytes = 32 << 20
	}
	autoPartitions := parseEnvInt32("STRATA_AUTO_CREATE_PARTITIONS", 1)
	if autoPartitions < 1 {
		autoPartitions = 1
	}
	window := envSeconds("STRATA_THROUGHPUT_WINDOW_SEC", 60)
	notifier := storage.NewAppendNotifier()

	return &handler{
		apiVersions: generateApiVersions(),
		store:       store,
		s3:          s3Client,
		cache:       cache.NewSegmentCache(cacheBytes),
		logs:        make(map[string]map[int32]*storage.PartitionLog),
		logConfig: storage.PartitionLogConfig{
			Buffer: storage.WriteBufferConfig{
				MaxBytes:      parseEnvInt("STRATA_SEGMENT_BYTES", 4<<20),
				FlushInterval: envMillis("STRATA_FLUSH_INTERVAL_MS", 500),
			},
			Segment: storage.SegmentWriterConfig{
				IndexIntervalMessages: 100,
			},
			ReadAheadSegments: parseEnvInt("STRATA_READAHEAD_SEGMENTS", 2),
			CacheEnabled:      true,
			Notifier:          notifier,
		},
		notifier: notifier,
		groups: broker.NewGroupRegistry(broker.GroupRegistryConfig{
			SessionTimeout: envMillis("STRATA_GROUP_SESSION_TIMEOUT_MS", 0),
			Logger:         logger,
		}),
		s3Health:             newS3HealthFromEnv(),
		s3Namespace:          envOrDefault("STRATA_S3_NAMESPACE", "default"),
		brokerInfo:           brokerInfo,
		logger:               logger.With("component", "handler"),
		autoCreateTopics:     parseEnvBool("STRATA_AUTO_CREATE_TOPICS", true),
		autoCreatePartitions: autoPartitions,
		traceKafka:           parseEnvBool("STRATA_TRACE_KAFKA", false),
		maxWaitCap:           envMillis("STRATA_FETCH_MAX_WAIT_CAP_MS", 30000),
		produceRate:          newThroughputTracker(window),
		fetchRate:            newThroughputTracker(window),
	}
}

func newS3HealthFromEnv() *broker.S3HealthMonitor {
	return broker.NewS3HealthMonitor(broker.S3HealthConfig{
		Window:      envSeconds("STRATA_S3_HEALTH_WINDOW_SEC", 60),
		LatencyWarn: envMillis("STRATA_S3_LATENCY_WARN_MS", 500),
		LatencyCrit: envMillis("STRATA_S3_LATENCY_CRIT_MS", 3000),
		ErrorWarn:   parseEnvFloat("STRATA_S3_ERROR_RATE_WARN", 0.2),
		ErrorCrit:   parseEnvFloat("STRATA_S3_ERROR_RATE_CRIT", 0.6),
	})
}

func (h *handler) runStartupChecks(parent context.Context) error {
	timeout := envSeconds("STRATA_STARTUP_TIMEOUT_SEC", 30)
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	h.logger.Info("startup checks running", "timeout", timeout)
	if err := h.verifyMetadata(ctx); err != nil {
		return err
	}
	if err := h.verifyS3(ctx); err != nil {
		return err
	}
	h.logger.Info("startup checks complete")
	return nil
}

func (h *handler) verifyMetadata(ctx context.Context) error {
	_, err := h.store.Metadata(ctx, nil)
	if err != nil {
		return fmt.Errorf("metadata readiness check failed: %w", err)
	}
	return nil
}

// verifyS3 writes a throwaway probe object, retrying until the write lands
// or the startup deadline passes.
func (h *handler) verifyS3(ctx context.Context) error {
	key := fmt.Sprintf("__health/startup-probe-%d", time.Now().UnixNano())
	body := []byte("strata-startup-probe")

	for {
		start := time.Now()
		err := h.s3.UploadSegment(ctx, key, body)
		h.recordS3Op("startup_probe", time.Since(start), err)
		if err == nil {
			return nil
		}
		h.logger.Warn("startup S3 probe failed, retrying", "error", err, "key", key)
		select {
		case <-ctx.Done():
			return fmt.Errorf("s3 readiness check failed: %w", err)
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger()
	brokerInfo := buildBrokerInfo()
	h := newHandler(buildStore(ctx, brokerInfo, logger), buildS3Client(ctx, logger), brokerInfo, logger)
	if err := h.runStartupChecks(ctx); err != nil {
		logger.Error("startup checks failed", "error", err)
		os.Exit(1)
	}
	prometheus.MustRegister(newBrokerCollector(h))
	go h.groups.Run(ctx)
	go h.flushLoop(ctx)

	startMetricsServer(ctx, envOrDefault("STRATA_METRICS_ADDR", defaultMetricsAddr), h, logger)

	srv := &broker.Server{
		Addr:    envOrDefault("STRATA_KAFKA_ADDR", defaultKafkaAddr),
		Handler: h,
		Logger:  logger,
	}
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("kafka listener failed", "error", err)
		os.Exit(1)
	}
	srv.Wait()
}

func buildS3Client(ctx context.Context, logger *slog.Logger) storage.S3Client {
	if parseEnvBool("STRATA_USE_MEMORY_S3", false) {
		logger.Info("using in-memory S3 client", "env", "STRATA_USE_MEMORY_S3=1")
		return storage.NewMemoryS3Client()
	}

	cfg, usingDefaultMinio := s3ConfigFromEnv()
	client, err := storage.NewS3Client(ctx, cfg)
	if err != nil {
		logger.Error("failed to create S3 client; using in-memory", "error", err, "bucket", cfg.Bucket, "region", cfg.Region, "endpoint", cfg.Endpoint)
		return storage.NewMemoryS3Client()
	}
	if err := client.EnsureBucket(ctx); err != nil {
		logger.Error("failed to ensure S3 bucket", "bucket", cfg.Bucket, "error", err)
		os.Exit(1)
	}
	logger.Info("using AWS-compatible S3 client",
		"bucket", cfg.Bucket, "region", cfg.Region, "endpoint", cfg.Endpoint,
		"force_path_style", cfg.ForcePathStyle, "kms_configured", cfg.KMSKeyARN != "",
		"default_minio", usingDefaultMinio,
		"credentials_provided", cfg.AccessKeyID != "" && cfg.SecretAccessKey != "")

	replica, ok := readReplicaConfig(cfg)
	if !ok {
		return client
	}
	readClient, err := storage.NewS3Client(ctx, replica)
	if err != nil {
		logger.Error("failed to create read replica S3 client; using primary", "error", err, "bucket", replica.Bucket, "region", replica.Region, "endpoint", replica.Endpoint)
		return client
	}
	logger.Info("using S3 read replica", "bucket", replica.Bucket, "region", replica.Region, "endpoint", replica.Endpoint)
	return storage.NewDualS3Client(client, readClient)
}

// s3ConfigFromEnv resolves the primary S3 target. The MinIO developer
// credentials apply only while bucket, region, and endpoint all still point
// at the local MinIO defaults.
func s3ConfigFromEnv() (storage.S3Config, bool) {
	cfg := storage.S3Config{
		Bucket:          envOrDefault("STRATA_S3_BUCKET", defaultMinioBucket),
		Region:          envOrDefault("STRATA_S3_REGION", defaultMinioRegion),
		Endpoint:        envOrDefault("STRATA_S3_ENDPOINT", defaultMinioEndpoint),
		ForcePathStyle:  parseEnvBool("STRATA_S3_FORCE_PATH_STYLE", true),
		AccessKeyID:     os.Getenv("STRATA_S3_ACCESS_KEY"),
		SecretAccessKey: os.Getenv("STRATA_S3_SECRET_KEY"),
		SessionToken:    os.Getenv("STRATA_S3_SESSION_TOKEN"),
		KMSKeyARN:       os.Getenv("STRATA_S3_KMS_KEY_ARN"),
	}
	usingDefaultMinio := cfg.Bucket == defaultMinioBucket &&
		cfg.Region == defaultMinioRegion &&
		cfg.Endpoint == defaultMinioEndpoint
	if cfg.AccessKeyID == "" && cfg.SecretAccessKey == "" && usingDefaultMinio {
		cfg.AccessKeyID = defaultMinioAccessKey
		cfg.SecretAccessKey = defaultMinioSecretKey
	}
	return cfg, usingDefaultMinio
}

// readReplicaConfig derives the read-side target from the primary. Any
// replica field left unset inherits the primary's value; credentials and
// path style always carry over.
func readReplicaConfig(primary storage.S3Config) (storage.S3Config, bool) {
	bucket := os.Getenv("STRATA_S3_READ_REPLICA_BUCKET")
	region := os.Getenv("STRATA_S3_READ_REPLICA_REGION")
	endpoint := os.Getenv("STRATA_S3_READ_REPLICA_ENDPOINT")
	if bucket == "" && region == "" && endpoint == "" {
		return storage.S3Config{}, false
	}
	replica := primary
	if bucket != "" {
		replica.Bucket = bucket
	}
	if region != "" {
		replica.Region = region
	}
	if endpoint != "" {
		replica.Endpoint = endpoint
	}
	return replica, true
}

func metadataForBroker(broker protocol.MetadataBroker) metadata.ClusterMetadata {
	clusterID := "strata-cluster"
	seed := protocol.MetadataTopic{
		Name:    "events",
		TopicID: metadata.TopicIDForName("events"),
		Partitions: []protocol.MetadataPartition{{
			PartitionIndex: 0,
			LeaderID:       broker.NodeID,
			ReplicaNodes:   []int32{broker.NodeID},
			ISRNodes:       []int32{broker.NodeID},
		}},
	}
	return metadata.ClusterMetadata{
		ControllerID: broker.NodeID,
		ClusterID:    &clusterID,
		Brokers:      []protocol.MetadataBroker{broker},
		Topics:       []protocol.MetadataTopic{seed},
	}
}

func buildStore(ctx context.Context, brokerInfo protocol.MetadataBroker, logger *slog.Logger) metadata.Store {
	seed := metadataForBroker(brokerInfo)
	raw := strings.TrimSpace(os.Getenv("STRATA_ETCD_ENDPOINTS"))
	if raw == "" {
		return metadata.NewInMemoryStore(seed)
	}
	endpoints := strings.Split(raw, ",")
	store, err := metadata.NewEtcdStore(ctx, seed, metadata.EtcdStoreConfig{
		Endpoints: endpoints,
		Username:  os.Getenv("STRATA_ETCD_USERNAME"),
		Password:  os.Getenv("STRATA_ETCD_PASSWORD"),
	})
	if err != nil {
		logger.Error("failed to initialize etcd store; using in-memory", "error", err)
		return metadata.NewInMemoryStore(seed)
	}
	logger.Info("using etcd-backed metadata store", "endpoints", endpoints)
	return store
}

func startMetricsServer(ctx context.Context, addr string, h *handler, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.serveHealthz)
	mux.HandleFunc("/readyz", h.serveReadyz)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(stopCtx)
	}()
}

func (h *handler) serveHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "ok state=%s\n", h.s3Health.State())
}

func (h *handler) serveReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	ready, state := h.readiness()
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "not ready state=%s\n", state)
		return
	}
	fmt.Fprintf(w, "ready state=%s\n", state)
}

func (h *handler) readiness() (bool, string) {
	state := h.s3Health.Snapshot().State
	return state != broker.S3StateUnavailable, string(state)
}

func newLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     logLevelFromEnv(),
		AddSource: true,
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts)).With("component", "broker")
}

func logLevelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv("STRATA_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

func parseEnvInt(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func parseEnvInt32(name string, fallback int32) int32 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return fallback
	}
	return int32(n)
}

func parseEnvFloat(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseEnvBool(name string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func envOrDefault(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func envMillis(name string, fallbackMs int) time.Duration {
	return time.Duration(parseEnvInt(name, fallbackMs)) * time.Millisecond
}

func envSeconds(name string, fallbackSec int) time.Duration {
	return time.Duration(parseEnvInt(name, fallbackSec)) * time.Second
}

func intToInt32(value int, fallback int32) int32 {
	if value < math.MinInt32 || value > math.MaxInt32 {
		return fallback
	}
	return int32(value)
}

func generateApiVersions() []protocol.ApiVersion {
	entries := []protocol.ApiVersion{
		{APIKey: protocol.APIKeyApiVersion, MinVersion: 0, MaxVersion: 0},
		{APIKey: protocol.APIKeyMetadata, MinVersion: 0, MaxVersion: 12},
		{APIKey: protocol.APIKeyProduce, MinVersion: 0, MaxVersion: 9},
		{APIKey: protocol.APIKeyFetch, MinVersion: protocol.FetchVersionMin, MaxVersion: protocol.FetchVersionMax},
		{APIKey: protocol.APIKeyListOffsets, MinVersion: 0, MaxVersion: 0},
		{APIKey: protocol.APIKeyHeartbeat, MinVersion: 0, MaxVersion: 4},
	}
	// Group and admin APIs clients commonly probe for, advertised as
	// unsupported so they fail fast instead of timing out.
	for _, key := range []int16{8, 9, 10, 11, 13, 14, 15, 16, 19, 20, 23, 32, 33, 37, 42} {
		entries = append(entries, protocol.ApiVersion{APIKey: key, MinVersion: -1, MaxVersion: -1})
	}
	return entries
}

var apiNames = map[int16]string{
	protocol.APIKeyProduce:     "produce",
	protocol.APIKeyFetch:       "fetch",
	protocol.APIKeyListOffsets: "list_offsets",
	protocol.APIKeyMetadata:    "metadata",
	protocol.APIKeyHeartbeat:   "heartbeat",
	protocol.APIKeyApiVersion:  "api_versions",
}

func apiName(key int16) string {
	if name, ok := apiNames[key]; ok {
		return name
	}
	return fmt.Sprintf("api_%d", key)
}

func buildBrokerInfo() protocol.MetadataBroker {
	host := os.Getenv("STRATA_BROKER_HOST")
	port := parseEnvInt("STRATA_BROKER_PORT", defaultKafkaPort)
	if addr := strings.TrimSpace(os.Getenv("STRATA_KAFKA_ADDR")); addr != "" {
		// The advertised address follows the listen address unless the
		// listen host is blank (a bare ":port" bind).
		listenHost, listenPort := parseBrokerAddr(addr)
		if listenHost != "" {
			host = listenHost
		}
		port = listenPort
	}
	if host == "" {
		host = "localhost"
	}
	return protocol.MetadataBroker{
		NodeID: parseEnvInt32("STRATA_BROKER_ID", 1),
		Host:   host,
		Port:   intToInt32(port, defaultKafkaPort),
	}
}

func parseBrokerAddr(addr string) (string, int) {
	host, portRaw, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.TrimSpace(addr), defaultKafkaPort
	}
	if port, err := strconv.Atoi(portRaw); err == nil {
		return host, port
	}
	return host, defaultKafkaPort
}

package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// PollBuckets for delivery polls, bounded by the configured poll timeout
	PollBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// CheckpointBuckets for checkpoint file writes including fsync
	CheckpointBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	// TxnSizeBuckets for statements per committed transaction
	TxnSizeBuckets = []float64{1, 2, 5, 10, 50, 100, 500, 1000, 10000, 100000}
)

// Mining Metrics
var (
	// RowsMinedTotal counts rows read from the log-mining source by kind (data, commit, rollback)
	RowsMinedTotal CounterVec = noopCounterVec{}

	// RowsOutOfScopeTotal counts data rows skipped because their table is out of scope
	RowsOutOfScopeTotal Counter = NoopStat{}

	// MiningSessionsTotal counts source sessions opened by result (success, failed)
	MiningSessionsTotal CounterVec = noopCounterVec{}

	// MinedLSN tracks the LSN of the mined watermark
	MinedLSN Gauge = NoopStat{}
)

// Transaction Metrics
var (
	// TxnTotal counts finished transactions by outcome (committed, rolled_back, empty)
	TxnTotal CounterVec = noopCounterVec{}

	// TxnStatements measures statements per committed transaction
	TxnStatements Histogram = NoopStat{}

	// OpenTransactions tracks transactions still awaiting a commit or rollback marker
	OpenTransactions Gauge = NoopStat{}

	// ReadyQueueDepth tracks committed transactions waiting for delivery
	ReadyQueueDepth Gauge = NoopStat{}

	// SpilledBuffersTotal counts buffers that moved from memory to the spill store
	SpilledBuffersTotal Counter = NoopStat{}

	// SpilledStatementsTotal counts statements written to the spill store
	SpilledStatementsTotal Counter = NoopStat{}
)

// Delivery Metrics
var (
	// RecordsDeliveredTotal counts records handed to the consumer by operation
	RecordsDeliveredTotal CounterVec = noopCounterVec{}

	// PollDurationSeconds measures PollBatch latency including the wait
	PollDurationSeconds Histogram = NoopStat{}

	// PublishedTotal counts publisher events by sink and result
	PublishedTotal CounterVec = noopCounterVec{}

	// DeliveryLagLSN is the mined watermark LSN minus the last emitted LSN
	DeliveryLagLSN Gauge = NoopStat{}
)

// Checkpoint Metrics
var (
	// CheckpointSaveSeconds measures checkpoint save latency by mode (full, dump)
	CheckpointSaveSeconds HistogramVec = noopHistogramVec{}

	// CheckpointFailuresTotal counts failed checkpoint saves
	CheckpointFailuresTotal Counter = NoopStat{}

	// CheckpointLSN tracks the LSN of the last saved resume position
	CheckpointLSN Gauge = NoopStat{}
)

// Scope Metrics
var (
	// TablesInScope tracks tables whose changes are captured
	TablesInScope Gauge = NoopStat{}

	// TablesOutOfScope tracks tables whose changes are ignored
	TablesOutOfScope Gauge = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Mining Metrics
	RowsMinedTotal = NewCounterVec(
		"rows_mined_total",
		"Rows read from the log-mining source by kind",
		[]string{"kind"},
	)
	RowsOutOfScopeTotal = NewCounter(
		"rows_out_of_scope_total",
		"Data rows skipped because their table is out of scope",
	)
	MiningSessionsTotal = NewCounterVec(
		"mining_sessions_total",
		"Log-mining sessions opened by result",
		[]string{"result"},
	)
	MinedLSN = NewGauge(
		"mined_lsn",
		"LSN of the mined watermark",
	)

	// Transaction Metrics
	TxnTotal = NewCounterVec(
		"txn_total",
		"Finished transactions by outcome",
		[]string{"outcome"},
	)
	TxnStatements = NewHistogram(
		"txn_statements",
		"Statements per committed transaction",
		TxnSizeBuckets,
	)
	OpenTransactions = NewGauge(
		"open_transactions",
		"Transactions awaiting a commit or rollback marker",
	)
	ReadyQueueDepth = NewGauge(
		"ready_queue_depth",
		"Committed transactions waiting for delivery",
	)
	SpilledBuffersTotal = NewCounter(
		"spilled_buffers_total",
		"Transaction buffers moved to the spill store",
	)
	SpilledStatementsTotal = NewCounter(
		"spilled_statements_total",
		"Statements written to the spill store",
	)

	// Delivery Metrics
	RecordsDeliveredTotal = NewCounterVec(
		"records_delivered_total",
		"Records handed to the consumer by operation",
		[]string{"op"},
	)
	PollDurationSeconds = NewHistogram(
		"poll_duration_seconds",
		"PollBatch duration in seconds",
		PollBuckets,
	)
	PublishedTotal = NewCounterVec(
		"published_total",
		"Events published by sink and result",
		[]string{"sink", "result"},
	)
	DeliveryLagLSN = NewGauge(
		"delivery_lag_lsn",
		"Mined watermark LSN minus the last emitted LSN",
	)

	// Checkpoint Metrics
	CheckpointSaveSeconds = NewHistogramVec(
		"checkpoint_save_seconds",
		"Checkpoint save duration in seconds",
		[]string{"mode"},
		CheckpointBuckets,
	)
	CheckpointFailuresTotal = NewCounter(
		"checkpoint_failures_total",
		"Failed checkpoint saves",
	)
	CheckpointLSN = NewGauge(
		"checkpoint_lsn",
		"LSN of the last saved resume position",
	)

	// Scope Metrics
	TablesInScope = NewGauge(
		"tables_in_scope",
		"Tables whose changes are captured",
	)
	TablesOutOfScope = NewGauge(
		"tables_out_of_scope",
		"Tables whose changes are ignored",
	)
}

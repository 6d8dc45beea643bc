package wal

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// walMetrics mirrors the shape of a typical embedded-WAL metrics struct:
// one Prometheus counter/gauge per notable event, built once per Manager
// against an injected Registerer.
type walMetrics struct {
	bytesWritten          prometheus.Counter
	recordsWritten        prometheus.Counter
	appends               prometheus.Counter
	bytesRead             prometheus.Counter
	recordsRead           prometheus.Counter
	segmentRotations      prometheus.Counter
	segmentsArchived      prometheus.Counter
	truncations           *prometheus.CounterVec
	fsyncs                prometheus.Counter
	reservations          prometheus.Gauge
	workSlotPins          prometheus.Gauge
	lastSegmentAgeSeconds prometheus.Gauge

	fsyncDelayMu   sync.Mutex
	fsyncDelayHist *hdrhistogram.Histogram
}

func newWALMetrics(reg prometheus.Registerer) *walMetrics {
	return &walMetrics{
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_bytes_written",
			Help: "wal_bytes_written counts the bytes of encoded record written," +
				" not including segment headers or switch-segment markers.",
		}),
		recordsWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_records_written",
			Help: "wal_records_written counts the number of records that have been drained to disk.",
		}),
		appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_appends",
			Help: "wal_appends counts calls to Append that returned a non-null pointer.",
		}),
		bytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_bytes_read",
			Help: "wal_bytes_read counts bytes of encoded record read back during replay.",
		}),
		recordsRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_records_read",
			Help: "wal_records_read counts records yielded by replay iterators.",
		}),
		segmentRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_segment_rotations",
			Help: "wal_segment_rotations counts how many times the active segment has rolled over.",
		}),
		segmentsArchived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_segments_archived",
			Help: "wal_segments_archived counts work segments successfully moved to the archive directory.",
		}),
		truncations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "wal_truncations",
				Help: "wal_truncations counts calls to Truncate by outcome.",
			},
			[]string{"success"},
		),
		fsyncs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_fsyncs",
			Help: "wal_fsyncs counts calls to force the active segment file to storage.",
		}),
		reservations: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "wal_reservations",
			Help: "wal_reservations is the current size of the reservation multiset blocking truncate.",
		}),
		workSlotPins: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "wal_work_slot_pins",
			Help: "wal_work_slot_pins is the current number of replay-held pins on work slots.",
		}),
		lastSegmentAgeSeconds: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "wal_last_segment_age_seconds",
			Help: "wal_last_segment_age_seconds is set on each rotation to the seconds between" +
				" the outgoing segment's creation and its seal.",
		}),
		fsyncDelayHist: hdrhistogram.New(1, int64(time.Second/time.Nanosecond), 3),
	}
}

// recordFsyncDelay records how long one Force call on the segment file
// took; the FsyncDelay sleep that precedes it is not included.
func (m *walMetrics) recordFsyncDelay(d time.Duration) {
	m.fsyncDelayMu.Lock()
	defer m.fsyncDelayMu.Unlock()
	_ = m.fsyncDelayHist.RecordValue(int64(d))
}

// FsyncDelayStats summarizes the histogram of Force call durations kept
// by recordFsyncDelay, for host diagnostics that want more than what the Prometheus counters
// expose.
type FsyncDelayStats struct {
	Count  int64
	Mean   float64
	P50Ns  int64
	P99Ns  int64
	MaxNs  int64
}

func (m *walMetrics) fsyncDelayStats() FsyncDelayStats {
	m.fsyncDelayMu.Lock()
	defer m.fsyncDelayMu.Unlock()
	return FsyncDelayStats{
		Count: m.fsyncDelayHist.TotalCount(),
		Mean:  m.fsyncDelayHist.Mean(),
		P50Ns: m.fsyncDelayHist.ValueAtQuantile(50),
		P99Ns: m.fsyncDelayHist.ValueAtQuantile(99),
		MaxNs: m.fsyncDelayHist.Max(),
	}
}

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// FeedConnects: попытки подключения к потоку котировок по статусу (ok|error).
	FeedConnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dashboard",
		Subsystem: "feed",
		Name:      "connects_total",
		Help:      "Tick stream connection attempts by status",
	}, []string{"status"})

	// FeedErrors: ошибки потока по типу (dial|read|malformed|api|ack_timeout).
	FeedErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dashboard",
		Subsystem: "feed",
		Name:      "errors_total",
		Help:      "Tick stream errors by type",
	}, []string{"type"})

	// QuotesTotal: принятые котировки по feed-символу.
	QuotesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dashboard",
		Subsystem: "feed",
		Name:      "quotes_total",
		Help:      "Quotes applied to the current subscription",
	}, []string{"feed_symbol"})

	// StaleEvents: события от уже заменённых соединений (отброшены).
	StaleEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dashboard",
		Subsystem: "feed",
		Name:      "stale_events_total",
		Help:      "Events discarded because their connection is no longer current",
	})

	// Rebinds: смены выбранного инструмента, приведшие к переподписке.
	Rebinds = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dashboard",
		Subsystem: "feed",
		Name:      "rebinds_total",
		Help:      "Subscription rebinds caused by selection changes",
	})

	// FeedState: текущее состояние подписки (0 idle … 4 stopped).
	FeedState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dashboard",
		Subsystem: "feed",
		Name:      "state",
		Help:      "Current subscription state (0=idle,1=connecting,2=live,3=unavailable,4=stopped)",
	})

	// SignalRequests: запросы к сервису сигналов по результату (signal|no_signal|error).
	SignalRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dashboard",
		Subsystem: "signal",
		Name:      "requests_total",
		Help:      "Signal service requests by result",
	}, []string{"result"})

	// SignalLatency: длительность запроса сигнала, включая ретраи.
	SignalLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dashboard",
		Subsystem: "signal",
		Name:      "request_latency_seconds",
		Help:      "Signal service request latency including retries (seconds)",
		Buckets:   prometheus.DefBuckets,
	})

	// PushClients: число подключённых WebSocket-клиентов дашборда.
	PushClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dashboard",
		Subsystem: "http",
		Name:      "push_clients",
		Help:      "Connected dashboard WebSocket clients",
	})
)

// Register регистрирует все метрики в заданном реестре
// (без аргументов: в DefaultRegisterer). Повторные вызовы игнорируются.
func Register(registerers ...prometheus.Registerer) {
	once.Do(func() {
		var reg prometheus.Registerer
		if len(registerers) > 0 && registerers[0] != nil {
			reg = registerers[0]
		} else {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			FeedConnects,
			FeedErrors,
			QuotesTotal,
			StaleEvents,
			Rebinds,
			FeedState,
			SignalRequests,
			SignalLatency,
			PushClients,
		)
	})
}

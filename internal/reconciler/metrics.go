package reconciler

// Metrics получает события сверки. Реализация с Prometheus живёт в пакете api.
type Metrics interface {
	SnapshotAccepted(source DataSource)
	SnapshotRejected(reason string)
	FetchFailed(kind string)
}

// Причины отклонения снимка.
const (
	RejectStale     = "stale"
	RejectMalformed = "malformed"
)

type noopMetrics struct{}

func (noopMetrics) SnapshotAccepted(DataSource) {}
func (noopMetrics) SnapshotRejected(string)     {}
func (noopMetrics) FetchFailed(string)          {}

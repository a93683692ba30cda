package metrics

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/debug-host/hostd/pkg/config"
	"github.com/debug-host/hostd/pkg/tasks"
)

// Service wires together the collector, store and stream manager and owns
// the periodic aggregation/retention/persistence tasks.
type Service struct {
	log        *logrus.Entry
	tasks      *tasks.Manager
	cfg        config.MetricsConfig
	subCfg     config.SubscriptionConfig
	Collector  *Collector
	Store      *Store
	Stream     *StreamManager
}

// NewService constructs a fully wired metrics service.
func NewService(log *logrus.Entry, rt Runtime, tm *tasks.Manager, cfg config.MetricsConfig, subCfg config.SubscriptionConfig, storePath string) (*Service, error) {
	store, err := NewStore(log, storePath, cfg)
	if err != nil {
		return nil, err
	}
	stream := NewStreamManager(subCfg)
	collector := NewCollector(log, rt, tm, cfg, store, stream)

	return &Service{
		log:       log,
		tasks:     tm,
		cfg:       cfg,
		subCfg:    subCfg,
		Collector: collector,
		Store:     store,
		Stream:    stream,
	}, nil
}

// Start launches the aggregation and retention background tasks.
func (s *Service) Start() {
	period := s.cfg.AggregationPeriod
	if period <= 0 {
		period = 5 * time.Minute
	}
	sweep := s.cfg.RetentionSweep
	if sweep <= 0 {
		sweep = 10 * time.Minute
	}

	s.tasks.Start("metrics:aggregate", func(stop chan struct{}) {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.Store.Aggregate()
				if err := s.Store.Persist(); err != nil {
					s.log.WithError(err).Warn("failed persisting metrics store after aggregation")
				}
			}
		}
	})

	s.tasks.Start("metrics:retain", func(stop chan struct{}) {
		ticker := time.NewTicker(sweep)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.Store.Retain()
				if err := s.Store.Persist(); err != nil {
					s.log.WithError(err).Warn("failed persisting metrics store after retention sweep")
				}
			}
		}
	})
}

// Stop halts the background tasks and takes a final snapshot.
func (s *Service) Stop() {
	s.tasks.Stop("metrics:aggregate")
	s.tasks.Stop("metrics:retain")
	if err := s.Store.Persist(); err != nil {
		s.log.WithError(err).Warn("failed taking final metrics snapshot")
	}
}

// Degrade disables the named features to cut collection cost while a
// component stays unhealthy. Unrecognized names are ignored.
func (s *Service) Degrade(features []string) error {
	for _, f := range features {
		if f == "metrics-fast-interval" {
			s.Collector.DisableInterval(Fast)
		}
	}
	return nil
}

// SubscribeWithHistory attaches a new stream subscriber and, if
// includeHistory is set, replays the last hour of raw samples chunked per
// the subscription config ahead of live samples on the same channel.
func (s *Service) SubscribeWithHistory(containerID string, interval Interval, kinds []MetricKind, includeHistory bool) *StreamSubscription {
	sub := s.Stream.Subscribe(containerID, interval, kinds)
	if includeHistory {
		history := s.Store.RecentRaw(containerID, time.Hour)
		go s.deliverHistory(sub, history)
	}
	return sub
}

// deliverHistory replays buffered samples as chunked StreamItems with
// Historical set, so a client can distinguish replay from the live
// "metrics" event; the last item delivered carries IsLast.
func (s *Service) deliverHistory(sub *StreamSubscription, history []Sample) {
	if len(history) == 0 {
		select {
		case sub.Queue <- StreamItem{Historical: true, IsLast: true}:
		case <-sub.closed:
		}
		return
	}

	chunkSize := s.subCfg.HistoryChunkSize
	if chunkSize <= 0 {
		chunkSize = 10
	}
	delay := s.subCfg.HistoryChunkDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}

	for i := 0; i < len(history); i += chunkSize {
		end := i + chunkSize
		if end > len(history) {
			end = len(history)
		}
		for j, smp := range history[i:end] {
			isLast := end == len(history) && i+j == len(history)-1
			select {
			case sub.Queue <- (StreamItem{Sample: smp, Historical: true, IsLast: isLast}):
			case <-sub.closed:
				return
			}
		}
		select {
		case <-time.After(delay):
		case <-sub.closed:
			return
		}
	}
}

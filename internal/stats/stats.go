package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const varsName = "chatzilla-stats"

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

type StatsUpdater struct {
	log        zerolog.Logger
	vars       *expvar.Map
	updateChan chan *metricsUpdateReq
	quit       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
}

type metricsUpdateReq struct {
	name  string
	value int
}

var (
	publishOnce sync.Once
	current     atomic.Pointer[StatsUpdater]
)

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(su.Snapshot())
}

// NewStatsUpdater creates a stats updater and serves its counters at
// GET /debug/vars on mux.
func NewStatsUpdater(mux *http.ServeMux, logger zerolog.Logger) *StatsUpdater {
	su := &StatsUpdater{
		log:        logger,
		vars:       new(expvar.Map).Init(),
		updateChan: make(chan *metricsUpdateReq, 512),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))

	// expvar names are process-global; the latest updater is the one published.
	publishOnce.Do(func() {
		expvar.Publish(varsName, expvar.Func(func() any { return current.Load().Snapshot() }))
	})
	current.Store(su)

	su.initializeMetrics()
	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))
}

func (su *StatsUpdater) updateMetrics() {
	defer close(su.done)

	for {
		select {
		case req := <-su.updateChan:
			su.apply(req)
		case <-su.quit:
			for {
				select {
				case req := <-su.updateChan:
					su.apply(req)
				default:
					return
				}
			}
		}
	}
}

func (su *StatsUpdater) apply(req *metricsUpdateReq) {
	metric, ok := su.vars.Get(req.name).(*expvar.Int)
	if !ok {
		su.log.Warn().Str("metric", req.name).Msg("update for unregistered metric")
		return
	}

	metric.Add(int64(req.value))
}

// Snapshot decodes every registered value into a plain map.
func (su *StatsUpdater) Snapshot() map[string]any {
	out := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		out[kv.Key] = value
	})

	return out
}

func (su *StatsUpdater) Incr(name string) {
	su.send(&metricsUpdateReq{name: name, value: 1})
}

func (su *StatsUpdater) Decr(name string) {
	su.send(&metricsUpdateReq{name: name, value: -1})
}

// send drops the update once Stop has been called.
func (su *StatsUpdater) send(req *metricsUpdateReq) {
	select {
	case <-su.quit:
		return
	default:
	}

	select {
	case su.updateChan <- req:
	case <-su.quit:
	}
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, new(expvar.Int))
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

// Stop applies queued updates and waits for the updater to exit. Updates
// sent afterwards are dropped. Run must have been called.
func (su *StatsUpdater) Stop() {
	su.stopOnce.Do(func() { close(su.quit) })
	<-su.done
}

package worker

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/ipfs-force-community/gpuproxy/internal/applog"
)

const reportInterval = 60 * time.Second

// InfoReporter is the subset of TaskSource a WorkerReporter needs.
type InfoReporter interface {
	ReportWorkerInfo(ctx context.Context, workerID, ips, supportTypes string) error
}

// WorkerReporter periodically self-registers a worker's reachability
// (spec §4.5): every 60s it discovers this host's non-loopback addresses
// (or uses an operator-supplied manual address), joins the supported task
// kinds with "|", and calls ReportWorkerInfo, swallowing transient errors.
type WorkerReporter struct {
	workerID     string
	manualIP     string
	supportTypes string
	source       InfoReporter
	log          *applog.Logger
}

// NewWorkerReporter builds a WorkerReporter. supportKinds is rendered as
// "|"-joined text (spec §4.5); manualIP overrides address auto-discovery
// when non-empty.
func NewWorkerReporter(workerID, manualIP string, supportKinds []string, source InfoReporter, log *applog.Logger) *WorkerReporter {
	if log == nil {
		l, _ := applog.InitFromConfig("info", "text", "stderr", "")
		log = l
	}
	return &WorkerReporter{
		workerID:     workerID,
		manualIP:     manualIP,
		supportTypes: strings.Join(supportKinds, "|"),
		source:       source,
		log:          log.WithComponent("worker-reporter"),
	}
}

// Run reports immediately, then every 60s, until ctx is canceled.
func (r *WorkerReporter) Run(ctx context.Context) {
	r.reportOnce(ctx)
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reportOnce(ctx)
		}
	}
}

func (r *WorkerReporter) reportOnce(ctx context.Context) {
	ips, err := r.discoverIPs()
	if err != nil {
		r.log.Warn("address discovery failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := r.source.ReportWorkerInfo(ctx, r.workerID, ips, r.supportTypes); err != nil {
		r.log.Warn("report worker info failed", map[string]interface{}{"error": err.Error()})
	}
}

// discoverIPs returns the manual override if set, else every non-loopback
// address on the host, IPv4 addresses first (spec §4.5).
func (r *WorkerReporter) discoverIPs() (string, error) {
	if r.manualIP != "" {
		return r.manualIP, nil
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}

	var v4, v6 []string
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			v4 = append(v4, ip4.String())
		} else {
			v6 = append(v6, ipNet.IP.String())
		}
	}
	return strings.Join(append(v4, v6...), "|"), nil
}

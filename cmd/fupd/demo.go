package main

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	layeh "layeh.com/radius"
	"layeh.com/radius/rfc2865"

	"github.com/codelaboratoryltd/fupd/pkg/fup"
	"github.com/codelaboratoryltd/fupd/pkg/policy"
	"github.com/codelaboratoryltd/fupd/pkg/radius"
	"github.com/codelaboratoryltd/fupd/pkg/store"
	"github.com/codelaboratoryltd/fupd/pkg/usage"
)

var (
	demoSubscribers int
	demoOverQuota   float64
	demoSecret      string
)

func init() {
	demoCmd.Flags().IntVar(&demoSubscribers, "subscribers", 12,
		"Number of subscribers to simulate")
	demoCmd.Flags().Float64Var(&demoOverQuota, "over-quota-ratio", 0.3,
		"Ratio of subscribers past their quota (0.0-1.0)")
	demoCmd.Flags().StringVar(&demoSecret, "secret", "testing123",
		"Shared secret between engine and simulated NAS")

	rootCmd.AddCommand(demoCmd)
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a FUP sweep against a simulated NAS",
	Long: `Run a demonstration of the full FUP enforcement cycle.

This simulates:
  1. Subscribers with packages, quotas and live accounting sessions
  2. A NAS answering CoA requests on a loopback UDP port
  3. A full sweep: usage aggregation, threshold evaluation, CoA dispatch
  4. A second sweep showing throttle idempotency (no duplicate CoA)

No database or real NAS required - runs on any platform.`,
	RunE: runDemo,
}

// demoNAS is a loopback NAS built on layeh.com/radius that ACKs every
// CoA/Disconnect request it can parse.
type demoNAS struct {
	server   *layeh.PacketServer
	conn     net.PacketConn
	logger   *zap.Logger
	requests uint64
}

func startDemoNAS(secret string, logger *zap.Logger) (*demoNAS, error) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	nas := &demoNAS{conn: conn, logger: logger}
	nas.server = &layeh.PacketServer{
		Handler:      layeh.HandlerFunc(nas.handle),
		SecretSource: layeh.StaticSecretSource([]byte(secret)),
	}

	go func() {
		if err := nas.server.Serve(conn); err != nil && err != layeh.ErrServerShutdown {
			logger.Error("demo NAS exited", zap.Error(err))
		}
	}()

	return nas, nil
}

func (n *demoNAS) handle(w layeh.ResponseWriter, r *layeh.Request) {
	atomic.AddUint64(&n.requests, 1)

	username := rfc2865.UserName_GetString(r.Packet)

	var ack layeh.Code
	switch r.Packet.Code {
	case layeh.CodeCoARequest:
		ack = layeh.CodeCoAACK
	case layeh.CodeDisconnectRequest:
		ack = layeh.CodeDisconnectACK
	default:
		n.logger.Warn("demo NAS ignoring unexpected packet",
			zap.Int("code", int(r.Packet.Code)),
		)
		return
	}

	n.logger.Info("demo NAS acknowledging",
		zap.String("username", username),
		zap.Int("code", int(r.Packet.Code)),
	)

	if err := w.Write(r.Response(ack)); err != nil {
		n.logger.Error("demo NAS write failed", zap.Error(err))
	}
}

func (n *demoNAS) addr() string {
	return n.conn.LocalAddr().String()
}

func (n *demoNAS) close() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n.server.Shutdown(ctx) //nolint:errcheck
	n.conn.Close()
}

func runDemo(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync()

	nas, err := startDemoNAS(demoSecret, logger)
	if err != nil {
		return err
	}
	defer nas.close()
	logger.Info("demo NAS listening", zap.String("addr", nas.addr()))

	defaultNAS := radius.NAS{Addr: nas.addr(), Secret: demoSecret}
	mem := seedDemoData(defaultNAS)

	client := radius.NewClient(radius.ClientConfig{
		Timeout:    2 * time.Second,
		MaxRetries: 2,
	}, logger)

	cfg := fup.DefaultOrchestratorConfig()
	cfg.Concurrency = 5
	cfg.DefaultNAS = defaultNAS

	orch := fup.NewOrchestrator(cfg, mem, mem, mem, client, nil, logger)

	fmt.Println("--- first sweep ---")
	res, err := orch.CheckAll(cmd.Context())
	if err != nil {
		return err
	}
	printJSON(res)

	fmt.Println("--- second sweep (throttles already applied) ---")
	res, err = orch.CheckAll(cmd.Context())
	if err != nil {
		return err
	}
	printJSON(res)

	fmt.Println("--- CoA audit trail ---")
	for _, rec := range mem.ListCoARecords(0) {
		fmt.Printf("%-10s user=%-4d %-12s %-8s %s\n",
			rec.Command, rec.UserID, rec.Attributes, rec.Status, rec.Response)
	}

	fmt.Printf("\nNAS received %d requests; transport stats: %v\n",
		atomic.LoadUint64(&nas.requests), client.Stats())
	return nil
}

// seedDemoData populates the in-memory store with subscribers spread
// across normal, warning and over-quota usage.
func seedDemoData(nas radius.NAS) *store.Memory {
	mem := store.NewMemory(zap.NewNop())

	pkg := fup.Package{
		ID:             1,
		Name:           "residential-50mbps",
		QuotaBytes:     50 * 1 << 30, // 50 GiB
		FupResetDay:    1,
		NormalSpeed:    policy.Speed{DownKbps: 50_000, UpKbps: 10_000},
		ThrottledSpeed: policy.Speed{DownKbps: 2_000, UpKbps: 1_000},
	}

	overQuota := int(float64(demoSubscribers) * demoOverQuota)
	now := time.Now()

	for i := 0; i < demoSubscribers; i++ {
		id := int64(i + 1)
		mem.AddSubscriber(fup.Subscriber{
			ID:           id,
			Username:     fmt.Sprintf("sub%03d", id),
			Package:      pkg,
			CurrentSpeed: pkg.NormalSpeed,
			Status:       fup.StatusActive,
			NAS:          nas,
		})

		// First overQuota subscribers breach the quota, the next few sit
		// in the warning band, the rest stay comfortably below it.
		var total uint64
		switch {
		case i < overQuota:
			total = pkg.QuotaBytes + uint64(i+1)*1<<30
		case i < overQuota+2:
			total = pkg.QuotaBytes * 9 / 10
		default:
			total = pkg.QuotaBytes / 4
		}

		mem.AddSession(usage.Session{
			SessionID:    fmt.Sprintf("sess-%03d", id),
			UserID:       id,
			InputOctets:  total / 2,
			OutputOctets: total - total/2,
			StartedAt:    now.Add(-2 * time.Hour),
			Online:       true,
		})
	}

	return mem
}

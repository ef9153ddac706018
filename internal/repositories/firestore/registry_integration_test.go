//go:build integration

package firestore_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lvdistribuidora/api/internal/domain"
	pconfig "github.com/lvdistribuidora/api/internal/platform/config"
	pfirestore "github.com/lvdistribuidora/api/internal/platform/firestore"
	"github.com/lvdistribuidora/api/internal/repositories"
	repofirestore "github.com/lvdistribuidora/api/internal/repositories/firestore"
)

const registryEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

func newEmulatorRegistry(t *testing.T) *repofirestore.Registry {
	t.Helper()
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	registryEnsureDockerDaemon(t)

	port := registryFreePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := registryStartEmulator(t, port)
	t.Cleanup(func() { registryStopContainer(containerID) })
	registryWaitForEndpoint(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    "test-project",
		EmulatorHost: endpoint,
	})
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	registry, err := repofirestore.NewRegistry(provider, nil)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return registry
}

func limitedCoupon(code string, limit int64, now time.Time) domain.Coupon {
	return domain.Coupon{
		ID:          code,
		Code:        code,
		Description: "launch promo",
		Type:        domain.CouponTypeFixed,
		Value:       500,
		UsageLimit:  &limit,
		Active:      true,
		ValidFrom:   now.Add(-time.Hour),
		ValidUntil:  now.Add(time.Hour),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// A burst of concurrent redemptions at the usage-limit boundary must admit
// exactly the remaining uses. The losers get conflict errors and the stored
// counter never passes the limit.
func TestCouponRedeemHoldsUsageLimitUnderContention(t *testing.T) {
	registry := newEmulatorRegistry(t)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	now := time.Date(2026, time.May, 13, 15, 0, 0, 0, time.UTC)
	const limit = 3
	const attempts = 8

	if err := registry.Coupons().Upsert(ctx, limitedCoupon("BURST", limit, now)); err != nil {
		t.Fatalf("seed coupon: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, err := registry.Coupons().Redeem(ctx, "BURST", now.Add(time.Duration(slot)*time.Millisecond))
			results[slot] = err
		}(i)
	}
	wg.Wait()

	var succeeded, conflicted int
	for slot, err := range results {
		switch {
		case err == nil:
			succeeded++
		default:
			var repoErr repositories.RepositoryError
			if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
				t.Fatalf("redemption %d failed with a non-conflict error: %v", slot, err)
			}
			conflicted++
		}
	}
	if succeeded != limit {
		t.Fatalf("succeeded = %d, want %d", succeeded, limit)
	}
	if conflicted != attempts-limit {
		t.Fatalf("conflicted = %d, want %d", conflicted, attempts-limit)
	}

	stored, err := registry.Coupons().FindByCode(ctx, "BURST")
	if err != nil {
		t.Fatalf("reload coupon: %v", err)
	}
	if stored.UsedCount != limit {
		t.Fatalf("usedCount = %d, want %d", stored.UsedCount, limit)
	}
}

// Checkout stages the coupon redemption, the order insert, and the stock
// adjustment inside one RunInTx. When the stock adjustment fails the whole
// unit rolls back: no order document, usedCount untouched.
func TestRunInTxRollsBackAllCheckoutWrites(t *testing.T) {
	registry := newEmulatorRegistry(t)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	now := time.Date(2026, time.May, 13, 15, 0, 0, 0, time.UTC)

	if err := registry.Coupons().Upsert(ctx, limitedCoupon("ROLLBACK", 5, now)); err != nil {
		t.Fatalf("seed coupon: %v", err)
	}

	order := domain.Order{
		ID:            "order-rollback",
		Voucher:       "LV-ROLLBACK1",
		CustomerName:  "Ana",
		Status:        domain.OrderStatusPendingPayment,
		PaymentMethod: domain.PaymentMethodPix,
		Items: []domain.OrderItem{
			{ProductID: "ghost-product", Name: "Ghost", UnitPrice: 450, Quantity: 2},
		},
		Subtotal:   900,
		Total:      900,
		TotalItems: 2,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := registry.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := registry.Coupons().Redeem(ctx, "ROLLBACK", now); err != nil {
			return err
		}
		if err := registry.Orders().Insert(ctx, order); err != nil {
			return err
		}
		// ghost-product was never seeded, so the read fails and the
		// staged writes above must never commit.
		return registry.Products().AdjustStock(ctx, []repositories.StockAdjustment{
			{ProductID: "ghost-product", Units: -2},
		}, now)
	})
	if err == nil {
		t.Fatalf("expected the unit to fail on the missing product")
	}

	if _, err := registry.Orders().FindByID(ctx, "order-rollback"); err == nil {
		t.Fatalf("order survived a rolled-back transaction")
	} else {
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
			t.Fatalf("order lookup failed with a non-missing error: %v", err)
		}
	}

	coupon, err := registry.Coupons().FindByCode(ctx, "ROLLBACK")
	if err != nil {
		t.Fatalf("reload coupon: %v", err)
	}
	if coupon.UsedCount != 0 {
		t.Fatalf("usedCount = %d after rollback, want 0", coupon.UsedCount)
	}
}

func registryFreePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("allocate port: %v", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}

func registryStartEmulator(t *testing.T, port int) string {
	t.Helper()
	out, err := exec.Command("docker",
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		registryEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	).CombinedOutput()
	if err != nil {
		t.Fatalf("start emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned an empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func registryStopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, "docker", "stop", id).Run()
}

func registryWaitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		lastErr = err
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("emulator not ready: %v", lastErr)
}

func registryEnsureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
		t.Skip("docker daemon unavailable: " + err.Error())
	}
}

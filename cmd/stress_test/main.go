package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/rl1809/share-ledger/internal/adapter/storage"
	"github.com/rl1809/share-ledger/internal/core/domain"
	"github.com/rl1809/share-ledger/internal/core/service"
	"github.com/rl1809/share-ledger/internal/port"
)

// store is everything the stress run needs from a backend.
type store interface {
	port.TxManager
	port.InventoryReader
	port.LedgerReader
	port.SettingsReader
	port.PaymentFlagger
	port.PaymentRecorder
	port.AuditSink
	UpsertProduct(ctx context.Context, p domain.Product) error
	UpsertBatch(ctx context.Context, b domain.InventoryBatch) error
}

func main() {
	backend := flag.String("store", "memory", "backend: memory or mysql")
	dsn := flag.String("dsn", "root:root@tcp(localhost:3306)/share_ledger?parseTime=true&clientFoundRows=true", "MySQL DSN for -store=mysql, pointing at a dedicated database")
	requests := flag.Int("requests", 50, "concurrent payments")
	stock := flag.String("stock", "100", "value of the single inventory batch")
	amount := flag.String("amount", "20", "value of each payment")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).Level(zerolog.WarnLevel)
	ctx := context.Background()

	s, err := open(ctx, *backend, *dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}

	stockValue := domain.MustMoney(*stock)
	amountValue := domain.MustMoney(*amount)
	if !amountValue.IsPositive() {
		log.Fatal().Msg("amount must be positive")
	}

	// Seed one product with one batch
	productRef := "stress-" + uuid.NewString()[:8]
	if err := s.UpsertProduct(ctx, domain.Product{ID: productRef, Name: productRef, FaceValuePerUnit: domain.MustMoney("1"), IsActive: true}); err != nil {
		log.Fatal().Err(err).Msg("failed to seed product")
	}
	if err := s.UpsertBatch(ctx, domain.InventoryBatch{
		ID: productRef + "-b0", ProductRef: productRef, TotalReceived: stockValue, Remaining: stockValue,
		PurchaseDate: time.Now().UTC().AddDate(-10, 0, 0), IsActive: true,
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to seed batch")
	}

	ledger := service.NewLedger(s, s, service.WithLedgerLogger(log.Logger))
	guard := service.NewConservationGuard(s, s, service.WithGuardLogger(log.Logger))
	engine := service.NewAllocationEngine(s, guard, ledger, service.WithEngineLogger(log.Logger), service.WithEngineAudit(s))
	idempotency := service.NewIdempotencyGuard(s, service.WithIdempotencyLogger(log.Logger))
	processor := service.NewPaymentProcessor(engine, idempotency, s, s, service.WithProcessorLogger(log.Logger))

	// Counters
	var successCount, rejectedCount, errorCount atomic.Int32

	// Spawn concurrent payments
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *requests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			payment := domain.Payment{ID: "stress-pay-" + uuid.NewString(), UserRef: fmt.Sprintf("user-%d", n), Amount: amountValue}
			if err := s.RecordPayment(ctx, payment); err != nil {
				errorCount.Add(1)
				return
			}
			_, err := processor.Process(ctx, payment)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientInventory):
				rejectedCount.Add(1)
			default:
				log.Error().Err(err).Str("payment_id", payment.ID).Msg("unexpected failure")
				errorCount.Add(1)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	// Results
	success := successCount.Load()
	rejected := rejectedCount.Load()
	failed := errorCount.Load()

	capacity := stockValue.Div(amountValue).IntPart()
	wantSuccess := int32(min(capacity, int64(*requests)))

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Store:            %s\n", *backend)
	fmt.Printf("Batch Value:      %s\n", stockValue.StringFixed(domain.MoneyScale))
	fmt.Printf("Payment Value:    %s\n", amountValue.StringFixed(domain.MoneyScale))
	fmt.Printf("Total Payments:   %d\n", *requests)
	fmt.Printf("Allocated:        %d\n", success)
	fmt.Printf("Rejected:         %d\n", rejected)
	fmt.Printf("Errored:          %d\n", failed)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	pass := true
	if success == wantSuccess && rejected == int32(*requests)-wantSuccess && failed == 0 {
		fmt.Printf("PASS: exactly %d payments allocated, %d rejected\n", wantSuccess, rejected)
	} else {
		fmt.Printf("FAIL: expected %d allocated/%d rejected, got %d/%d (%d errored)\n",
			wantSuccess, int32(*requests)-wantSuccess, success, rejected, failed)
		pass = false
	}

	report, err := guard.Verify(ctx, productRef)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to verify conservation")
	}
	wantRemaining := stockValue.Sub(amountValue.Mul(decimal.NewFromInt32(success)))
	fmt.Printf("Final Remaining:  %s\n", report.Remaining.StringFixed(domain.MoneyScale))

	switch {
	case !report.Balanced:
		fmt.Printf("FAIL: conservation violated, discrepancy %s\n", report.Discrepancy.StringFixed(domain.MoneyScale))
		pass = false
	case !report.Remaining.Equal(wantRemaining):
		fmt.Printf("FAIL: expected remaining %s\n", wantRemaining.StringFixed(domain.MoneyScale))
		pass = false
	default:
		fmt.Println("PASS: received = remaining + allocated")
	}

	if !pass {
		os.Exit(1)
	}
}

func open(ctx context.Context, backend, dsn string) (store, error) {
	switch backend {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "mysql":
		db, err := sqlx.Open("mysql", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(50)
		if err := db.PingContext(ctx); err != nil {
			return nil, err
		}
		if err := storage.Migrate(ctx, db); err != nil {
			return nil, err
		}
		return storage.NewMySQLAdapter(db), nil
	default:
		return nil, fmt.Errorf("unknown store %q", backend)
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/candilingo/seatledger/internal/adapter/handler"
)

// CLI fires concurrent seat claims at a running server and checks that exactly
// the granted number succeed.
type CLI struct {
	Target      string `help:"gRPC address of the ledger." default:"localhost:50051" env:"SEATLEDGER_GRPC_TARGET"`
	JWTSecret   string `help:"HS256 secret shared with the server." required:"" env:"SEATLEDGER_JWT_SECRET"`
	JWTIssuer   string `help:"Token issuer expected by the server." env:"SEATLEDGER_JWT_ISSUER"`
	LicenseType string `help:"License type to exercise." default:"standard"`
	Seats       int    `help:"Seats to grant." default:"20"`
	Requests    int    `help:"Concurrent seat claims." default:"50"`
}

func main() {
	_ = godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli, kong.Name("stress_test"))
	kctx.FatalIfErrorf(cli.Run())
}

func (c *CLI) Run() error {
	auth := handler.NewAuthenticator(c.JWTSecret, c.JWTIssuer)
	token, err := auth.Issue("stress-test", time.Hour, handler.ScopeGrantSeats, handler.ScopeManageSeats)
	if err != nil {
		return err
	}
	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+token)

	conn, err := grpc.NewClient(c.Target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial ledger: %w", err)
	}
	defer conn.Close()
	client := handler.NewLedgerClient(conn)

	// Fresh organization per run so results never mix with earlier runs
	org := "stress-" + uuid.NewString()
	grant := &handler.GrantSeatsRequest{
		OrganizationID: org,
		LicenseType:    c.LicenseType,
		Count:          int32(c.Seats),
		IdempotencyKey: "stress-" + uuid.NewString(),
	}
	if _, err := client.GrantSeats(ctx, grant); err != nil {
		return fmt.Errorf("grant seats: %w", err)
	}

	var successCount, exhaustedCount, errorCount atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()

	for range c.Requests {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := client.TryConsumeSeat(ctx, &handler.SeatRequest{OrganizationID: org, LicenseType: c.LicenseType})
			switch status.Code(err) {
			case codes.OK:
				successCount.Add(1)
			case codes.ResourceExhausted:
				exhaustedCount.Add(1)
			default:
				errorCount.Add(1)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	// Duplicate webhook delivery must not add seats
	replay, err := client.GrantSeats(ctx, grant)
	if err != nil {
		return fmt.Errorf("replay grant: %w", err)
	}

	util, err := client.Utilization(ctx, &handler.UtilizationRequest{OrganizationID: org})
	if err != nil {
		return fmt.Errorf("utilization: %w", err)
	}

	success, exhausted := int(successCount.Load()), int(exhaustedCount.Load())
	expectedSuccess := min(c.Seats, c.Requests)

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Organization:     %s\n", org)
	fmt.Printf("Granted Seats:    %d\n", c.Seats)
	fmt.Printf("Total Requests:   %d\n", c.Requests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Seats Exhausted:  %d\n", exhausted)
	fmt.Printf("Errors:           %d\n", errorCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	failed := false
	check := func(ok bool, pass string, format string, args ...any) {
		if ok {
			fmt.Println("PASS: " + pass)
			return
		}
		failed = true
		fmt.Printf("FAIL: "+format+"\n", args...)
	}

	check(success == expectedSuccess && exhausted == c.Requests-expectedSuccess,
		fmt.Sprintf("exactly %d claims succeeded", expectedSuccess),
		"expected %d success/%d exhausted, got %d/%d", expectedSuccess, c.Requests-expectedSuccess, success, exhausted)
	check(replay.Replayed, "replayed grant was recognised", "replayed grant added seats again")

	if len(util.Pools) != 1 {
		return fmt.Errorf("expected one pool, got %d", len(util.Pools))
	}
	pool := util.Pools[0]
	fmt.Printf("Final Pool:       %d/%d (%.1f%%)\n", pool.UsedSeats, pool.TotalSeats, pool.PercentUsed)
	check(pool.TotalSeats == c.Seats && pool.UsedSeats == expectedSuccess,
		"pool counts match", "expected %d/%d, got %d/%d", expectedSuccess, c.Seats, pool.UsedSeats, pool.TotalSeats)

	if failed {
		os.Exit(1)
	}
	return nil
}

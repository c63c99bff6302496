package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"google.golang.org/grpc"

	"github.com/candilingo/seatledger/internal/adapter/handler"
	"github.com/candilingo/seatledger/internal/core/service"
	"github.com/candilingo/seatledger/internal/logger"
	"github.com/candilingo/seatledger/internal/worker"
)

var version = "dev"

type CLI struct {
	Dev     bool             `help:"Console logging at debug level." env:"SEATLEDGER_DEV"`
	Version kong.VersionFlag `help:"Print version and exit."`

	HTTPListen string `help:"HTTP listen address." default:":8080" env:"SEATLEDGER_HTTP_LISTEN"`
	GRPCListen string `help:"gRPC listen address." default:":50051" env:"SEATLEDGER_GRPC_LISTEN"`

	JWTSecret     string `help:"HS256 secret of the auth provider's bearer tokens." required:"" env:"SEATLEDGER_JWT_SECRET"`
	JWTIssuer     string `help:"Expected token issuer, empty to skip the check." env:"SEATLEDGER_JWT_ISSUER"`
	WebhookSecret string `help:"Signing secret of the payment provider webhook." required:"" env:"SEATLEDGER_WEBHOOK_SECRET"`

	Store StoreFlags `embed:"" prefix:"store-"`

	RetryAttempts  uint          `help:"Attempts for a ledger operation hitting a storage conflict." default:"3" env:"SEATLEDGER_RETRY_ATTEMPTS"`
	RetryBackoff   time.Duration `help:"Initial backoff between conflict retries." default:"20ms" env:"SEATLEDGER_RETRY_BACKOFF"`
	InvitationTTL  time.Duration `help:"How long an invitation holds its seat before it expires." default:"168h" env:"SEATLEDGER_INVITATION_TTL"`
	ExpiryInterval time.Duration `help:"How often expired invitations are revoked." default:"1m" env:"SEATLEDGER_EXPIRY_INTERVAL"`
	ExpiryWorkers  int           `help:"Workers revoking expired invitations." default:"4" env:"SEATLEDGER_EXPIRY_WORKERS"`
}

func main() {
	// a missing .env is fine, the environment may already be set
	_ = godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("seatledger"),
		kong.Description("License seat ledger for organizations."),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(cli.Run())
}

func (c *CLI) Run() error {
	if err := c.Store.Validate(); err != nil {
		return err
	}

	log := logger.Setup(c.Dev)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx)

	stores, err := openStores(ctx, c.Store)
	if err != nil {
		return err
	}
	defer stores.Close()

	ledger := service.NewLedger(stores.ledger,
		service.WithMaxAttempts(c.RetryAttempts),
		service.WithInitialBackoff(c.RetryBackoff),
	)
	memberships := service.NewMembershipService(ledger, stores.members, c.InvitationTTL)
	purchases := service.NewPurchaseService(ledger, stores.members)
	auth := handler.NewAuthenticator(c.JWTSecret, c.JWTIssuer)

	// Start invitation expiry workers
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	expiry := worker.NewExpiryPool(memberships, worker.Config{Interval: c.ExpiryInterval, Workers: c.ExpiryWorkers})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		expiry.Run(workerCtx)
	}()

	// Initialize gRPC server
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		logger.UnaryServerInterceptor(log),
		auth.UnaryInterceptor(),
	))
	handler.RegisterLedgerServiceServer(grpcServer, handler.NewGRPCHandler(ledger, memberships))

	lis, err := net.Listen("tcp", c.GRPCListen)
	if err != nil {
		return err
	}
	go func() {
		log.Info().Str("addr", c.GRPCListen).Msg("gRPC server listening")
		if err := grpcServer.Serve(lis); err != nil {
			log.Error().Err(err).Msg("gRPC server error")
		}
	}()

	// Initialize HTTP server
	httpHandler := handler.NewHTTPHandler(ledger, memberships, purchases, c.WebhookSecret)
	httpServer := &http.Server{
		Addr:              c.HTTPListen,
		Handler:           logger.Requests(log)(httpHandler.Routes(auth)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", c.HTTPListen).Str("version", version).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	log.Info().Msg("HTTP server stopped")

	grpcServer.GracefulStop()
	log.Info().Msg("gRPC server stopped")

	stopWorkers()
	wg.Wait()
	log.Info().Msg("workers stopped")
	return nil
}
